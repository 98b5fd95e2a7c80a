package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// codePollTimeout bounds how long one verification-code wait may take. The
// provider usually delivers within seconds; five minutes covers mail delays.
const (
	codePollTimeout  = 5 * time.Minute
	codePollInterval = 5 * time.Second
)

// Driver runs the sign-in flow through an external browser sidecar process,
// speaking line-delimited JSON on its stdin/stdout. The sidecar owns the
// browser; this side owns the mailbox and answers code requests.
//
// Sidecar protocol, one JSON object per line:
//
//	-> {"email": "...", "proxy_server": "...", "proxy_username": "...", "proxy_password": "..."}
//	<- {"event": "need_code"}
//	-> {"code": "123456"}
//	<- {"event": "result", "success": true, "secure_1psid": "...", ...}
type Driver struct {
	command string
	proxies string
	log     *slog.Logger
}

func NewDriver(command, proxies string, log *slog.Logger) *Driver {
	return &Driver{command: command, proxies: proxies, log: log.With("component", "browser-driver")}
}

type driverEvent struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Error   string `json:"error"`

	SecureCookie  string `json:"secure_1psid"`
	SecureCookieT string `json:"secure_1psidts"`
	ConfigID      string `json:"config_id"`
	SessionIndex  string `json:"session_index"`
	ExpiresAt     string `json:"expires_at"` // RFC 3339
}

func (d *Driver) LoginAndExtract(ctx context.Context, identity string, mailbox MailboxClient) (*LoginResult, error) {
	if d.command == "" {
		return nil, fmt.Errorf("no automation driver configured")
	}

	parts := strings.Fields(d.command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}
	defer cmd.Wait()
	defer stdin.Close()

	proxy := ChooseProxy(d.proxies)
	start := map[string]string{
		"email":          identity,
		"proxy_server":   proxy.Server,
		"proxy_username": proxy.Username,
		"proxy_password": proxy.Password,
	}
	if err := writeLine(stdin, start); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev driverEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			d.log.Debug("driver chatter", "line", line)
			continue
		}

		switch ev.Event {
		case "need_code":
			code, err := mailbox.PollForCode(ctx, codePollTimeout, codePollInterval, time.Now().Add(-time.Minute))
			if err != nil {
				return nil, fmt.Errorf("poll for code: %w", err)
			}
			if code == "" {
				return &LoginResult{Success: false, Err: "no verification code arrived"}, nil
			}
			if err := writeLine(stdin, map[string]string{"code": code}); err != nil {
				return nil, err
			}
		case "result":
			return d.result(identity, ev)
		default:
			d.log.Debug("driver event ignored", "event", ev.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read driver output: %w", err)
	}
	return nil, fmt.Errorf("driver exited without a result")
}

func (d *Driver) result(identity string, ev driverEvent) (*LoginResult, error) {
	if !ev.Success {
		msg := ev.Error
		if msg == "" {
			msg = "sign-in failed"
		}
		return &LoginResult{Success: false, Err: msg}, nil
	}
	if ev.SecureCookie == "" || ev.ConfigID == "" {
		return &LoginResult{Success: false, Err: "driver result is missing session material"}, nil
	}

	expires, err := time.Parse(time.RFC3339, ev.ExpiresAt)
	if err != nil {
		// Business sessions last two weeks; assume that when the driver
		// did not report an expiry.
		expires = time.Now().Add(14 * 24 * time.Hour)
	}
	return &LoginResult{
		Success: true,
		Record: &account.Record{
			ID:            identity,
			SecureCookie:  ev.SecureCookie,
			SecureCookieT: ev.SecureCookieT,
			ConfigID:      ev.ConfigID,
			SessionIndex:  ev.SessionIndex,
			ExpiresAt:     expires,
		},
	}, nil
}

func writeLine(w interface{ Write([]byte) (int, error) }, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
