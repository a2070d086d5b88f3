// Package privacylog keeps secrets and ledger identifiers out of log output.
// Secrets are replaced by a marker; transaction ids, addresses and keys are
// replaced by a fingerprint salted per process, so lines of one run can still
// be correlated.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var (
	salt = newSalt()

	fingerprinted = map[string]struct{}{
		"tx_id":      {},
		"request_id": {},
		"address":    {},
		"owner":      {},
		"operator":   {},
		"public_key": {},
	}
	secretParts = []string{"private_key", "secret", "token", "passphrase", "password", "authorization"}
)

type Handler struct {
	next slog.Handler
}

// WrapHandler returns next with attribute sanitizing applied; nil stays nil.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(Sanitize(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = Sanitize(a)
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Sanitize rewrites one attribute. Group members are sanitized recursively.
func Sanitize(a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(a.Key))
	switch {
	case isSecret(key):
		return slog.String(a.Key, redacted)
	case isIdentifier(key):
		return slog.String(a.Key+"_fp", Fingerprint(stringValue(a.Value)))
	case a.Value.Kind() == slog.KindGroup:
		members := a.Value.Group()
		clean := make([]any, 0, len(members))
		for _, m := range members {
			clean = append(clean, Sanitize(m))
		}
		return slog.Group(a.Key, clean...)
	default:
		return a
	}
}

// Fingerprint hashes an identifier with the per-process salt.
func Fingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + strings.ToLower(value)))
	return "fp_" + hex.EncodeToString(sum[:6])
}

func isSecret(key string) bool {
	for _, part := range secretParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isIdentifier(key string) bool {
	_, ok := fingerprinted[key]
	return ok
}

func stringValue(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fairchat"
	}
	return hex.EncodeToString(buf)
}
