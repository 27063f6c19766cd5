package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/filter"
	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/runner"
	"github.com/dhcgn/shadowserver-mail/state"
)

const (
	testUser = "abuse"
	testPass = "secret"
)

// bodyProcessor succeeds for bodies containing "ok" and fails otherwise.
type bodyProcessor struct{}

func (bodyProcessor) Process(ctx context.Context, msgParts []model.Part, out chan<- *model.Event) error {
	for _, part := range msgParts {
		if bytes.Contains(part.Body, []byte("ok")) {
			evt := model.NewEvent()
			evt.Add("body", strings.TrimSpace(string(part.Body)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- evt:
			}
			return nil
		}
	}
	return pipeline.ErrNoReport
}

func startServer(t *testing.T) int {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return ln.Addr().(*net.TCPAddr).Port
}

func testClient(t *testing.T, port int) *imapclient.Client {
	t.Helper()
	client, err := imapclient.DialInsecure(fmt.Sprintf("127.0.0.1:%d", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := client.Login(testUser, testPass).Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func appendMessage(t *testing.T, client *imapclient.Client, id, body string) {
	t.Helper()
	raw := "Message-Id: <" + id + ">\r\n" +
		"Subject: report " + id + "\r\n" +
		"\r\n" +
		body + "\r\n"

	cmd := client.Append("INBOX", int64(len(raw)), nil)
	if _, err := cmd.Write([]byte(raw)); err != nil {
		t.Fatalf("append write: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("append close: %v", err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("append wait: %v", err)
	}
}

func unseenSubjects(t *testing.T, client *imapclient.Client) []string {
	t.Helper()
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("select: %v", err)
	}
	data, err := client.UIDSearch(&imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}, nil).Wait()
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	msgs, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{Envelope: true}).Collect()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var subjects []string
	for _, msg := range msgs {
		subjects = append(subjects, msg.Envelope.Subject)
	}
	sort.Strings(subjects)
	return subjects
}

func runSource(t *testing.T, port int, dryRun bool) int {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := runner.NewWithTracker(config.Config{Workers: 2}, bodyProcessor{}, state.NewMemoryTracker(), logger)

	criteria, err := filter.Parse(`(BODY "dl.example.org" UNSEEN)`)
	if err != nil {
		t.Fatalf("filter.Parse: %v", err)
	}
	opts := Options{
		Host:     "127.0.0.1",
		Port:     port,
		Username: testUser,
		Password: testPass,
		Mailbox:  "INBOX",
		Filter:   criteria,
		DryRun:   dryRun,
	}
	if _, err := NewSource(opts, r, logger); err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	records := 0
	r.AddStage("sink", func(ctx context.Context) error {
		for range r.Records() {
			records++
		}
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return records
}

func TestSource_MarksSuccessfulMessagesSeen(t *testing.T) {
	port := startServer(t)
	client := testClient(t, port)
	appendMessage(t, client, "a@example.org", "ok https://dl.example.org/a")
	appendMessage(t, client, "b@example.org", "broken https://dl.example.org/b")
	appendMessage(t, client, "c@example.org", "unrelated mail")

	if got := runSource(t, port, true); got != 1 {
		t.Fatalf("dry run records = %d, want 1", got)
	}
	if got := unseenSubjects(t, client); len(got) != 3 {
		t.Fatalf("dry run must not change flags, unseen = %v", got)
	}

	if got := runSource(t, port, false); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	want := []string{"report b@example.org", "report c@example.org"}
	if got := unseenSubjects(t, client); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("unseen = %v, want %v", got, want)
	}

	if got := runSource(t, port, false); got != 0 {
		t.Errorf("second run records = %d, want 0", got)
	}
}

func TestSource_LoginFailure(t *testing.T) {
	port := startServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := runner.NewWithTracker(config.Config{Workers: 1}, bodyProcessor{}, state.NewMemoryTracker(), logger)

	opts := Options{Host: "127.0.0.1", Port: port, Username: testUser, Password: "wrong"}
	if _, err := NewSource(opts, r, logger); err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	r.AddStage("sink", func(ctx context.Context) error {
		for range r.Records() {
		}
		return nil
	})

	if err := r.Start(); err == nil {
		t.Error("expected login failure to fail the run")
	}
}

func TestNewSource_Validation(t *testing.T) {
	r := runner.NewWithTracker(config.Config{}, bodyProcessor{}, state.NewMemoryTracker(), nil)
	if _, err := NewSource(Options{Port: 993}, r, nil); err == nil {
		t.Error("expected error for empty host")
	}
	if _, err := NewSource(Options{Host: "mail.example.org"}, r, nil); err == nil {
		t.Error("expected error for missing port")
	}
}
