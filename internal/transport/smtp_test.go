package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// fakeSMTPServer accepts one session and records the envelope and data.
type fakeSMTPServer struct {
	ln   net.Listener
	mu   sync.Mutex
	from string
	rcpt []string
	data string
	done chan struct{}
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln, done: make(chan struct{})}
	go s.serve()
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(line string) { conn.Write([]byte(line + "\r\n")) }
	write("220 localhost ESMTP")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)

		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250 localhost")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(cmd[len("MAIL FROM:"):], "<> ")
			s.mu.Unlock()
			write("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.Trim(cmd[len("RCPT TO:"):], "<> "))
			s.mu.Unlock()
			write("250 OK")
		case upper == "DATA":
			write("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			s.mu.Lock()
			s.data = sb.String()
			s.mu.Unlock()
			write("250 queued")
		case upper == "QUIT":
			write("221 bye")
			return
		default:
			write("250 OK")
		}
	}
}

func TestSMTPTransport_Send(t *testing.T) {
	srv := newFakeSMTPServer(t)
	defer srv.ln.Close()

	identity := &model.SendingIdentity{
		ID:       1,
		Name:     "Ana Ruiz",
		Email:    "ana@sender.example",
		SMTPHost: "127.0.0.1",
		SMTPPort: srv.port(),
	}
	tr := NewSMTPTransport(2*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := tr.Send(ctx, identity, service.OutboundEmail{
		To:        "lead@acme.example",
		Subject:   "Quick question",
		Body:      "Hi Katie,\nare you the right person?",
		Bcc:       []string{"crm@sender.example"},
		InReplyTo: "<prev@sender.example>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-srv.done

	if !strings.HasSuffix(id, "@sender.example") || strings.ContainsAny(id, "<>") {
		t.Errorf("unexpected message id %q", id)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.from != "ana@sender.example" {
		t.Errorf("expected envelope from ana@sender.example, got %q", srv.from)
	}
	if len(srv.rcpt) != 2 || srv.rcpt[0] != "lead@acme.example" || srv.rcpt[1] != "crm@sender.example" {
		t.Errorf("unexpected recipients %v", srv.rcpt)
	}
	if !strings.Contains(srv.data, "Message-ID: <"+id+">") {
		t.Errorf("message id header missing from data:\n%s", srv.data)
	}
	if !strings.Contains(srv.data, "In-Reply-To: <prev@sender.example>") {
		t.Errorf("in-reply-to header missing")
	}
	if strings.Contains(srv.data, "crm@sender.example") {
		t.Errorf("bcc must not appear in headers")
	}
}

func TestSMTPTransport_DialFailureIsBounded(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewSMTPTransport(500*time.Millisecond, nil)
	identity := &model.SendingIdentity{Email: "a@b.example", SMTPHost: "127.0.0.1", SMTPPort: port}

	start := time.Now()
	_, err := tr.Send(context.Background(), identity, service.OutboundEmail{To: "x@y.example", Body: "hi"})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("send took too long: %s", time.Since(start))
	}
}

func TestBuildMessage_Headers(t *testing.T) {
	identity := &model.SendingIdentity{Email: "ana@sender.example"}
	date := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	raw := string(BuildMessage(identity, service.OutboundEmail{
		To:         "lead@acme.example",
		Subject:    "Hello",
		Body:       "<p>Hi</p>",
		References: "<a@x> <b@x>",
	}, "abc@sender.example", date))

	for _, want := range []string{
		"From: ana@sender.example\r\n",
		"To: lead@acme.example\r\n",
		"Subject: Hello\r\n",
		"Message-ID: <abc@sender.example>\r\n",
		"References: <a@x> <b@x>\r\n",
		"Content-Type: text/html; charset=UTF-8\r\n",
		"Date: " + date.Format(time.RFC1123Z) + "\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("missing %q in:\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "In-Reply-To") {
		t.Errorf("empty In-Reply-To should be omitted")
	}
}

func TestBuildMessage_ListUnsubscribe(t *testing.T) {
	identity := &model.SendingIdentity{Email: "ana@sender.example"}
	date := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	msg := service.OutboundEmail{To: "lead@acme.example", Subject: "Hello", Body: "Hi"}

	if raw := string(BuildMessage(identity, msg, "a@sender.example", date)); strings.Contains(raw, "List-Unsubscribe") {
		t.Errorf("no link configured, header should be omitted:\n%s", raw)
	}

	msg.ListUnsubscribe = "https://out.example.com/unsubscribe/tok"
	raw := string(BuildMessage(identity, msg, "b@sender.example", date))
	for _, want := range []string{
		"List-Unsubscribe: <https://out.example.com/unsubscribe/tok>\r\n",
		"List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("missing %q in:\n%s", want, raw)
		}
	}
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID("ana@sender.example")
	b := NewMessageID("ana@sender.example")
	if a == b {
		t.Fatal("message ids must be unique")
	}
	if !strings.HasSuffix(a, "@sender.example") {
		t.Errorf("expected sender domain, got %s", a)
	}
	if got := NewMessageID("broken"); !strings.HasSuffix(got, "@localhost") {
		t.Errorf("expected localhost fallback, got %s", got)
	}
}
