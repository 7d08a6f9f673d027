package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/larder/internal/config"
)

// Profile is a named worker configuration: what to run, how stdin is
// encoded, and how long it may take.
type Profile struct {
	Name     string
	Command  string
	Args     []string
	Dir      string
	Encoding string
	Timeout  time.Duration
	Grace    time.Duration
}

// ProfileFromConfig builds a Profile from a configured worker entry.
func ProfileFromConfig(name string, wc config.WorkerConfig) Profile {
	return Profile{
		Name:     name,
		Command:  wc.Command,
		Args:     append([]string(nil), wc.Args...),
		Dir:      wc.Dir,
		Encoding: wc.Encoding,
		Timeout:  wc.Timeout,
		Grace:    wc.Grace,
	}
}

// Profiles builds every configured profile keyed by name.
func Profiles(cfg *config.Config) map[string]Profile {
	out := make(map[string]Profile, len(cfg.Workers))
	for name, wc := range cfg.Workers {
		out[name] = ProfileFromConfig(name, wc)
	}
	return out
}

// encodeInput prepares payload for the profile's stdin encoding. It runs
// before the process is spawned so a bad payload never costs a process.
func (p Profile) encodeInput(payload []byte) ([]byte, error) {
	switch p.Encoding {
	case config.EncodingBytes:
		return payload, nil
	case config.EncodingJSON:
		if !utf8.Valid(payload) || !json.Valid(payload) {
			return nil, fmt.Errorf("payload is not a UTF-8 JSON document")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", p.Encoding)
	}
}
