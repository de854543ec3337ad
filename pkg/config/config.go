package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader reads settings from the environment, with .env files filling gaps.
// Keys are snake_case and map onto upper-case variables: "redis_addr" reads REDIS_ADDR.
type Loader struct {
	v *viper.Viper
}

// New loads .env and .env.local (neither overrides variables already set) and applies defaults.
func New(prefix string, defaults map[string]any) *Loader {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	if prefix != "" {
		v.SetEnvPrefix(prefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return &Loader{v: v}
}

// Viper exposes the underlying instance, e.g. for binding cobra flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

func (l *Loader) String(key string) string { return strings.TrimSpace(l.v.GetString(key)) }
func (l *Loader) Int(key string) int       { return l.v.GetInt(key) }
func (l *Loader) Float(key string) float64 { return l.v.GetFloat64(key) }
func (l *Loader) Bool(key string) bool     { return l.v.GetBool(key) }

// Seconds reads an integer number of seconds.
func (l *Loader) Seconds(key string) time.Duration {
	return time.Duration(l.v.GetInt(key)) * time.Second
}

// Millis reads an integer number of milliseconds.
func (l *Loader) Millis(key string) time.Duration {
	return time.Duration(l.v.GetInt(key)) * time.Millisecond
}

// FirstString returns the first non-empty value among keys.
func (l *Loader) FirstString(keys ...string) string {
	for _, key := range keys {
		if v := l.String(key); v != "" {
			return v
		}
	}
	return ""
}
