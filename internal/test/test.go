// Package test holds helpers shared by package tests that need a real encrypted database.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-e2ee/config"
	db "github.com/meow-io/go-e2ee/internal/db"
)

var (
	dirOnce sync.Once
	dir     string
)

// scratchDir is created on first use and removed by DBCleanup once the package's tests finish.
func scratchDir() string {
	dirOnce.Do(func() {
		d, err := os.MkdirTemp("", "e2ee-test-")
		if err != nil {
			panic(err)
		}
		dir = d
	})
	return dir
}

// DBCleanup runs the tests and then removes every database they created.
func DBCleanup(run func() int) int {
	c := run()
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(os.Stderr, "error removing %s: %s\n", dir, err)
		}
	}
	return c
}

// NewTestDatabase returns a freshly keyed database that is already open.
func NewTestDatabase(c *config.Config) *db.Database {
	var name [8]byte
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(name[:]); err != nil {
		panic(err)
	}
	if _, err := crypto_rand.Read(key); err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, filepath.Join(scratchDir(), fmt.Sprintf("%x.db", name)))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(key); err != nil {
		panic(err)
	}
	if err := d.Open(key); err != nil {
		panic(err)
	}
	return d
}
