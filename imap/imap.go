package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/shadowserver-mail/filter"
	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
	"github.com/dhcgn/shadowserver-mail/runner"
	"github.com/dhcgn/shadowserver-mail/stats"
)

// fetchBatch bounds the number of messages requested per FETCH.
const fetchBatch = 50

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Filter             filter.Criteria
	DryRun             bool
}

// Source searches a mailbox for report mails and feeds them to the runner.
// Messages whose reports were parsed get the \Seen flag afterwards; failed
// messages stay untouched so the next run picks them up again.
type Source struct {
	opts     Options
	runner   *runner.Runner
	outcomes <-chan model.Outcome
	logger   *slog.Logger
}

func NewSource(opts Options, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	source := &Source{
		opts:     opts,
		runner:   r,
		outcomes: r.SubscribeOutcomes(),
		logger:   logger,
	}
	r.AddStage("imap", source.run)
	return source, nil
}

func (s *Source) run(ctx context.Context) error {
	done := make(chan []imapv2.UID, 1)
	go func() {
		done <- collectSeen(s.outcomes)
	}()

	err := s.session(ctx, s.fetchAll)
	s.runner.CloseMailbox()
	if err != nil {
		return err
	}

	var uids []imapv2.UID
	select {
	case <-ctx.Done():
		return ctx.Err()
	case uids = <-done:
	}

	if len(uids) == 0 {
		return nil
	}
	if s.opts.DryRun {
		s.logger.Info("dry-run: leaving messages unseen", "mailbox", s.mailbox(), "messages", len(uids))
		return nil
	}

	return s.session(ctx, func(ctx context.Context, client *imapclient.Client) error {
		return s.markSeen(client, uids)
	})
}

// collectSeen returns the UIDs of all successfully processed messages.
func collectSeen(outcomes <-chan model.Outcome) []imapv2.UID {
	var uids []imapv2.UID
	for outcome := range outcomes {
		if outcome.OK && outcome.Message.UID != 0 {
			uids = append(uids, imapv2.UID(outcome.Message.UID))
		}
	}
	return uids
}

func (s *Source) fetchAll(ctx context.Context, client *imapclient.Client) error {
	data, err := client.UIDSearch(s.opts.Filter.IMAP(), nil).Wait()
	if err != nil {
		return fmt.Errorf("search %s: %w", s.mailbox(), err)
	}

	uids := data.AllUIDs()
	s.logger.Info("imap search finished", "mailbox", s.mailbox(), "filter", s.opts.Filter.Raw, "matches", len(uids))

	for start := 0; start < len(uids); start += fetchBatch {
		end := start + fetchBatch
		if end > len(uids) {
			end = len(uids)
		}
		if err := s.fetchBatch(ctx, client, uids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) fetchBatch(ctx context.Context, client *imapclient.Client, uids []imapv2.UID) error {
	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	cmd := client.Fetch(imapv2.UIDSetNum(uids...), options)
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			if err := s.emit(ctx, model.Envelope{Err: fmt.Errorf("fetch message %d: %w", msg.SeqNum, err)}); err != nil {
				_ = cmd.Close()
				return err
			}
			continue
		}

		if err := s.emit(ctx, s.envelope(buf, section)); err != nil {
			_ = cmd.Close()
			return err
		}
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func (s *Source) envelope(buf *imapclient.FetchMessageBuffer, section *imapv2.FetchItemBodySection) model.Envelope {
	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Envelope{Err: fmt.Errorf("message uid %d: server returned no body", buf.UID)}
	}

	msg, err := parts.NewMessage(raw)
	if err != nil {
		return model.Envelope{Err: fmt.Errorf("message uid %d parse: %w", buf.UID, err)}
	}
	msg.UID = uint32(buf.UID)
	if !buf.InternalDate.IsZero() {
		msg.ReceivedAt = buf.InternalDate
	}
	return model.Envelope{Message: msg}
}

func (s *Source) emit(ctx context.Context, env model.Envelope) error {
	if env.Err != nil {
		s.logger.Warn("imap message unreadable", "err", env.Err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.runner.MailboxWriter() <- env:
		return nil
	}
}

func (s *Source) markSeen(client *imapclient.Client, uids []imapv2.UID) error {
	store := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}
	if err := client.Store(imapv2.UIDSetNum(uids...), store, nil).Close(); err != nil {
		return fmt.Errorf("mark messages seen: %w", err)
	}

	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeMarkedSeen, Count: len(uids)})
	s.logger.Info("marked messages seen", "mailbox", s.mailbox(), "messages", len(uids))
	return nil
}

// session runs fn on a logged in connection with the mailbox selected.
func (s *Source) session(ctx context.Context, fn func(context.Context, *imapclient.Client) error) error {
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}
	defer cleanup()

	if _, err := client.Select(s.mailbox(), nil).Wait(); err != nil {
		return fmt.Errorf("select mailbox %s: %w", s.mailbox(), err)
	}
	return fn(ctx, client)
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "mailbox", s.mailbox(), "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Source) mailbox() string {
	if s.opts.Mailbox == "" {
		return "INBOX"
	}
	return s.opts.Mailbox
}
