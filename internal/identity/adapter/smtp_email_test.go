package adapter

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/identity/app"
)

// fakeSMTPServer accepts one session at a time and records the envelope
// and DATA of each message.
type fakeSMTPServer struct {
	ln net.Listener
	wg sync.WaitGroup

	mu   sync.Mutex
	from string
	to   string
	data string
	// silent makes the server accept and never greet.
	silent bool
}

func startFakeSMTP(t *testing.T, silent bool) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTPServer{ln: ln, silent: silent}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	if s.silent {
		_, _ = r.ReadString('\n')
		return
	}

	reply("220 localhost ESMTP fake")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250-localhost")
			reply("250 8BITMIME")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.from = cmd[len("MAIL FROM:"):]
			s.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			s.mu.Lock()
			s.to = cmd[len("RCPT TO:"):]
			s.mu.Unlock()
			reply("250 OK")
		case upper == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.data = body.String()
			s.mu.Unlock()
			reply("250 OK queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (s *fakeSMTPServer) received() (from, to, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from, s.to, s.data
}

func TestNewSMTPEmailNotifier_Validation(t *testing.T) {
	_, err := NewSMTPEmailNotifier(SMTPConfig{Port: 25, From: "a@b.c"})
	assert.ErrorIs(t, err, domain.ErrConfigRequired)

	_, err = NewSMTPEmailNotifier(SMTPConfig{Host: "localhost", Port: 25})
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
}

func TestSMTPEmailNotifier_SendEmail(t *testing.T) {
	srv := startFakeSMTP(t, false)
	notifier, err := NewSMTPEmailNotifier(SMTPConfig{
		Host: "127.0.0.1",
		Port: srv.port(),
		From: "no-reply@shop.example",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := notifier.SendEmail(ctx, app.EmailMessage{
		To:       "rahim@example.com",
		Subject:  "Your login link",
		TextBody: "Open https://shop.example/login?token=abc",
		HTMLBody: "<a href=\"https://shop.example/login?token=abc\">Log in</a>",
	})

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@127.0.0.1>"))

	from, to, data := srv.received()
	assert.Contains(t, from, "<no-reply@shop.example>")
	assert.Contains(t, to, "<rahim@example.com>")
	assert.Contains(t, data, "Subject: Your login link")
	assert.Contains(t, data, "Message-ID: "+id)
	assert.Contains(t, data, "multipart/alternative; boundary=identity-boundary-")
	assert.Contains(t, data, "text/plain; charset=UTF-8")
	assert.Contains(t, data, "text/html; charset=UTF-8")
}

func TestSMTPEmailNotifier_SendEmail_HonoursContext(t *testing.T) {
	srv := startFakeSMTP(t, true)
	notifier, err := NewSMTPEmailNotifier(SMTPConfig{
		Host: "127.0.0.1",
		Port: srv.port(),
		From: "no-reply@shop.example",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = notifier.SendEmail(ctx, app.EmailMessage{To: "rahim@example.com", TextBody: "hi"})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSMTPEmailNotifier_SendEmail_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	notifier, err := NewSMTPEmailNotifier(SMTPConfig{Host: "127.0.0.1", Port: port, From: "a@b.c"})
	require.NoError(t, err)

	_, err = notifier.SendEmail(context.Background(), app.EmailMessage{To: "rahim@example.com", TextBody: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp: send to r***@example.com")
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}

func TestBuildBody(t *testing.T) {
	body, ct := buildBody(app.EmailMessage{TextBody: "plain"})
	assert.Equal(t, "plain", body)
	assert.Equal(t, "text/plain; charset=UTF-8", ct)

	body, ct = buildBody(app.EmailMessage{HTMLBody: "<p>x</p>"})
	assert.Equal(t, "<p>x</p>", body)
	assert.Equal(t, "text/html; charset=UTF-8", ct)
}

func TestLogEmailNotifier_SendEmail(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewLogEmailNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	id, err := notifier.SendEmail(context.Background(), app.EmailMessage{
		To: "rahim@example.com", Subject: "Your login link", TextBody: "link",
	})

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "log-"))
	assert.Contains(t, buf.String(), "r***@example.com")
	assert.NotContains(t, buf.String(), "rahim@example.com")
}
