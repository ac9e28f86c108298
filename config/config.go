// This package defines a common config struct which is shared by every subsystem of the encryption machine.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-e2ee/trust"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// one-time key pool
	OneTimeKeyTarget          int
	OneTimeKeyMinimum         int
	KeyUploadInitialBackoffMs int64
	KeyUploadMaxBackoffMs     int64
	KeyUploadMaxElapsedMs     int64

	// outbound group session rotation
	OutboundMaxMessages uint64
	OutboundMaxAgeMs    uint64

	// inbound group session hygiene, zero disables the limit
	InboundMaxAgeMs          uint64
	InboundMaxMessages       uint64
	RatchetOnDecrypt         bool
	DeleteFullyUsedOnDecrypt bool
	HygieneIntervalMs        int64

	DecryptWaitTimeoutMs  int64
	KeyRequestDelayMs     int64
	EscalationIntervalMs  int64
	ResyncIntervalMs      int64
	MinUnwedgeIntervalMs  uint64
	PairwiseMaxSkip       uint
	PairwiseMaxKeep       uint
	PairwiseMaxStoredKeys int

	// trust policy
	ShareKeysMinTrust         trust.State
	ShareKeysSameUserOnly     bool
	SendKeysMinTrust          trust.State
	AcceptForwardMinTrust     trust.State
	AcceptUnsolicitedForwards bool
	AllowUnverifiedSenders    bool

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithOneTimeKeys(target, minimum int) Option {
	return func(c *Config) {
		c.OneTimeKeyTarget = target
		c.OneTimeKeyMinimum = minimum
	}
}

func WithKeyUploadBackoff(initialMs, maxMs, maxElapsedMs int64) Option {
	return func(c *Config) {
		c.KeyUploadInitialBackoffMs = initialMs
		c.KeyUploadMaxBackoffMs = maxMs
		c.KeyUploadMaxElapsedMs = maxElapsedMs
	}
}

func WithOutboundRotation(maxMessages, maxAgeMs uint64) Option {
	return func(c *Config) {
		c.OutboundMaxMessages = maxMessages
		c.OutboundMaxAgeMs = maxAgeMs
	}
}

// WithInboundHygiene sets the limits past which inbound group sessions are ratcheted forward or deleted.
func WithInboundHygiene(maxAgeMs, maxMessages uint64, ratchetOnDecrypt, deleteFullyUsed bool) Option {
	return func(c *Config) {
		c.InboundMaxAgeMs = maxAgeMs
		c.InboundMaxMessages = maxMessages
		c.RatchetOnDecrypt = ratchetOnDecrypt
		c.DeleteFullyUsedOnDecrypt = deleteFullyUsed
	}
}

func WithHygieneIntervalMs(n int64) Option {
	return func(c *Config) {
		c.HygieneIntervalMs = n
	}
}

func WithDecryptWaitTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.DecryptWaitTimeoutMs = n
	}
}

func WithKeyRequestDelayMs(n int64) Option {
	return func(c *Config) {
		c.KeyRequestDelayMs = n
	}
}

func WithEscalationIntervalMs(n int64) Option {
	return func(c *Config) {
		c.EscalationIntervalMs = n
	}
}

func WithResyncIntervalMs(n int64) Option {
	return func(c *Config) {
		c.ResyncIntervalMs = n
	}
}

func WithMinUnwedgeIntervalMs(n uint64) Option {
	return func(c *Config) {
		c.MinUnwedgeIntervalMs = n
	}
}

func WithShareKeysPolicy(minTrust trust.State, sameUserOnly bool) Option {
	return func(c *Config) {
		c.ShareKeysMinTrust = minTrust
		c.ShareKeysSameUserOnly = sameUserOnly
	}
}

func WithSendKeysMinTrust(s trust.State) Option {
	return func(c *Config) {
		c.SendKeysMinTrust = s
	}
}

func WithForwardPolicy(minTrust trust.State, acceptUnsolicited bool) Option {
	return func(c *Config) {
		c.AcceptForwardMinTrust = minTrust
		c.AcceptUnsolicitedForwards = acceptUnsolicited
	}
}

func WithAllowUnverifiedSenders(b bool) Option {
	return func(c *Config) {
		c.AllowUnverifiedSenders = b
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		OneTimeKeyTarget:          50,
		OneTimeKeyMinimum:         25,
		KeyUploadInitialBackoffMs: 500,
		KeyUploadMaxBackoffMs:     30000,
		KeyUploadMaxElapsedMs:     300000,

		OutboundMaxMessages: 100,
		OutboundMaxAgeMs:    7 * 24 * 60 * 60 * 1000,

		InboundMaxAgeMs:          0,
		InboundMaxMessages:       0,
		RatchetOnDecrypt:         false,
		DeleteFullyUsedOnDecrypt: false,
		HygieneIntervalMs:        60 * 60 * 1000,

		DecryptWaitTimeoutMs:  5000,
		KeyRequestDelayMs:     0,
		EscalationIntervalMs:  1000,
		ResyncIntervalMs:      1000,
		MinUnwedgeIntervalMs:  60 * 60 * 1000,
		PairwiseMaxSkip:       1000,
		PairwiseMaxKeep:       2000,
		PairwiseMaxStoredKeys: 2000,

		ShareKeysMinTrust:         trust.CrossSignedTOFU,
		ShareKeysSameUserOnly:     true,
		SendKeysMinTrust:          trust.Unset,
		AcceptForwardMinTrust:     trust.CrossSignedTOFU,
		AcceptUnsolicitedForwards: false,
		AllowUnverifiedSenders:    true,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "e2ee.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}
