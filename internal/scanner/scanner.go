// Package scanner runs a heuristic threat pre-filter over uploaded bytes.
// Results are advisory. Nothing in here rejects an upload on its own.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"

	clamd "github.com/dutchcoders/go-clamd"
	"go.uber.org/zap"
)

const (
	StatusClean      = "clean"
	StatusSuspicious = "suspicious"

	headerWindow = 100
	// SizeCeiling is the size above which a payload is flagged on its own.
	SizeCeiling = 100 * 1024 * 1024
)

var suspiciousPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("<?php"),
	[]byte("<%"),
	[]byte("eval("),
	[]byte("exec("),
	[]byte("system("),
	[]byte("shell_exec("),
	[]byte("base64_decode("),
	[]byte("gzinflate("),
	[]byte("str_rot13("),
}

// Result is the outcome of a scan.
type Result struct {
	Clean   bool     `json:"clean"`
	Threats []string `json:"threats"`
	Status  string   `json:"status"`
}

type streamScanner interface {
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

// Scanner checks payloads against fixed signatures and, when configured,
// a clamd daemon.
type Scanner struct {
	clam   streamScanner
	logger *zap.Logger
}

// New returns a scanner. An empty clamdAddr disables the clamd stage.
func New(clamdAddr string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{logger: logger.Named("scanner")}
	if clamdAddr != "" {
		s.clam = clamd.NewClamd(clamdAddr)
	}
	return s
}

// Scan inspects data. It never fails; clamd errors are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, data []byte) Result {
	threats := Heuristics(data)

	if s.clam != nil {
		found, err := s.scanClamd(ctx, data)
		if err != nil {
			s.logger.Warn("clamd scan failed", zap.Error(err))
		}
		threats = append(threats, found...)
	}

	if len(threats) > 0 {
		s.logger.Info("upload flagged", zap.Strings("threats", threats), zap.Int("size", len(data)))
	}
	return newResult(threats)
}

func (s *Scanner) scanClamd(ctx context.Context, data []byte) ([]string, error) {
	abort := make(chan bool, 1)
	results, err := s.clam.ScanStream(bytes.NewReader(data), abort)
	if err != nil {
		return nil, err
	}

	var found []string
	for {
		select {
		case <-ctx.Done():
			abort <- true
			return found, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return found, nil
			}
			if res.Status == clamd.RES_FOUND {
				found = append(found, fmt.Sprintf("Malware detected: %s", res.Description))
			}
		}
	}
}

// Heuristics returns the signature matches for data in check order.
func Heuristics(data []byte) []string {
	var threats []string

	head := data
	if len(head) > headerWindow {
		head = head[:headerWindow]
	}
	if bytes.Contains(head, []byte("MZ")) {
		threats = append(threats, "Executable file detected")
	}
	if bytes.Contains(head, []byte("#!/")) {
		threats = append(threats, "Script file detected")
	}

	lower := bytes.ToLower(data)
	for _, p := range suspiciousPatterns {
		if bytes.Contains(lower, p) {
			threats = append(threats, "Suspicious pattern detected: "+string(p))
		}
	}

	if bytes.Contains(lower, []byte("<object")) || bytes.Contains(lower, []byte("<embed")) {
		threats = append(threats, "Embedded object detected")
	}
	if bytes.Contains(data, []byte("VBA")) || bytes.Contains(data, []byte("Macro")) {
		threats = append(threats, "Macro content detected")
	}

	if len(data) > SizeCeiling {
		threats = append(threats, "File size exceeds safe limit")
	}
	return threats
}

func newResult(threats []string) Result {
	if len(threats) == 0 {
		return Result{Clean: true, Threats: []string{}, Status: StatusClean}
	}
	return Result{Clean: false, Threats: threats, Status: StatusSuspicious}
}
