package outlook

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

const (
	noSubject        = "(No Subject)"
	unknownSender    = "(Unknown Sender)"
	unknownRecipient = "(Unknown Recipient)"

	summaryHeaderFields = "SUBJECT FROM TO DATE CONTENT-TYPE"
)

// IndexEntry is the lightweight per-message data used to order a folder.
type IndexEntry struct {
	UID   int
	Date  time.Time
	Flags []string
	Size  uint64
}

// MessageSummary is one row of a listing.
type MessageSummary struct {
	ID      string `json:"message_id"`
	Folder  string `json:"folder"`
	UID     int    `json:"uid"`
	Subject string `json:"subject"`
	From    string `json:"from_email"`
	To      string `json:"to_email"`
	// Date is when the server received the message; listings are ordered by it.
	Date time.Time `json:"date"`
	// Sent is the Date header, zero when missing or unparseable.
	Sent           time.Time `json:"sent"`
	Flags          []string  `json:"flags"`
	IsRead         bool      `json:"is_read"`
	HasAttachments bool      `json:"has_attachments"`
	SenderInitial  string    `json:"sender_initial"`
	Size           uint64    `json:"size"`
}

// Attachment describes one attachment of a MessageDetail.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Content  []byte `json:"-"`
}

// String returns a formatted string representation of an Attachment
func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.MimeType, humanize.Bytes(uint64(a.Size)))
}

// MessageDetail is a fully fetched message.
type MessageDetail struct {
	MessageSummary
	Cc          string       `json:"cc_email,omitempty"`
	MessageID   string       `json:"rfc822_message_id,omitempty"`
	TextBody    string       `json:"body_plain,omitempty"`
	HTMLBody    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// String returns a formatted string representation of a MessageDetail
func (m MessageDetail) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "From: %s\n", m.From)
	fmt.Fprintf(&b, "To: %s\n", m.To)
	if m.Cc != "" {
		fmt.Fprintf(&b, "CC: %s\n", m.Cc)
	}
	fmt.Fprintf(&b, "Received: %s (%s)\n", m.Date.Format(time.RFC1123Z), humanize.Bytes(m.Size))
	if len(m.TextBody) != 0 {
		fmt.Fprintf(&b, "Text: %s (%s)\n", truncate(m.TextBody, 20), humanize.Bytes(uint64(len(m.TextBody))))
	}
	if len(m.HTMLBody) != 0 {
		fmt.Fprintf(&b, "HTML: %s (%s)\n", truncate(m.HTMLBody, 20), humanize.Bytes(uint64(len(m.HTMLBody))))
	}
	if len(m.Attachments) != 0 {
		fmt.Fprintf(&b, "%d Attachment(s): %s\n", len(m.Attachments), m.Attachments)
	}
	return b.String()
}

// MessageID builds the identifier a listing hands out for a message.
func MessageID(folder string, uid int) string {
	return folder + "-" + strconv.Itoa(uid)
}

// ParseMessageID splits an identifier made by MessageID. Folder names may
// contain '-', so the split happens at the last one.
func ParseMessageID(id string) (folder string, uid int, err error) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, &ValidationError{Field: "message_id", Reason: fmt.Sprintf("%q is not <folder>-<uid>", id)}
	}
	uid, convErr := strconv.Atoi(id[i+1:])
	if convErr != nil || uid <= 0 {
		return "", 0, &ValidationError{Field: "message_id", Reason: fmt.Sprintf("%q has no numeric uid", id)}
	}
	return id[:i], uid, nil
}

// FetchIndex fetches UID, FLAGS, INTERNALDATE and RFC822.SIZE for uids in the
// examined folder.
func (c *Conn) FetchIndex(ctx context.Context, uids []int) ([]IndexEntry, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	entries := make([]IndexEntry, 0, len(uids))
	err := c.fetch(ctx, uids, "(UID FLAGS INTERNALDATE RFC822.SIZE)", func(r *fetchRecord) {
		uid, ok := r.uid()
		if !ok {
			return
		}
		entries = append(entries, IndexEntry{
			UID:   uid,
			Date:  r.internalDate(),
			Flags: r.flags(),
			Size:  r.size(),
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchSummaries fetches listing rows for uids in the examined folder. UIDs
// that no longer exist are silently missing from the result.
func (c *Conn) FetchSummaries(ctx context.Context, uids []int) ([]MessageSummary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	folder := c.Folder
	summaries := make([]MessageSummary, 0, len(uids))
	items := "(UID FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[HEADER.FIELDS (" + summaryHeaderFields + ")])"
	err := c.fetch(ctx, uids, items, func(r *fetchRecord) {
		uid, ok := r.uid()
		if !ok {
			return
		}
		header, _ := r.section("BODY[HEADER")
		summaries = append(summaries, buildSummary(folder, uid, r, header))
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// FetchMessage downloads and parses one message. BODY.PEEK keeps \Seen unset.
func (c *Conn) FetchMessage(ctx context.Context, uid int) (*MessageDetail, error) {
	folder := c.Folder
	var (
		detail   *MessageDetail
		parseErr error
	)
	err := c.fetch(ctx, []int{uid}, "(UID FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[])", func(r *fetchRecord) {
		got, ok := r.uid()
		if !ok || got != uid || detail != nil {
			return
		}
		raw, ok := r.section("BODY[]")
		if !ok {
			parseErr = fmt.Errorf("FETCH %d: no BODY[] in response", uid)
			return
		}
		detail, parseErr = parseMessage(folder, uid, r, []byte(raw))
		if parseErr != nil && Verbose {
			debugLog(c.ConnNum, c.Username, folder, "unparseable message", "uid", uid, "dump", spew.Sdump(truncate(raw, 4096)))
		}
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if detail == nil {
		return nil, fmt.Errorf("%s: %w", MessageID(folder, uid), ErrMessageNotFound)
	}
	debugLog(c.ConnNum, c.Username, folder, "fetched message", "uid", uid, "size", humanize.Bytes(detail.Size))
	return detail, nil
}

func (c *Conn) fetch(ctx context.Context, uids []int, items string, onRecord func(*fetchRecord)) error {
	if c.Folder == "" {
		return fmt.Errorf("UID FETCH: no folder examined")
	}
	return c.Exec(ctx, "UID FETCH "+sequenceSet(uids)+" "+items, func(line string) error {
		rec, ok, err := parseFetchLine(line)
		if err != nil || !ok {
			return err
		}
		onRecord(rec)
		return nil
	})
}

// buildSummary combines the index items of r with the decoded header block.
func buildSummary(folder string, uid int, r *fetchRecord, header string) MessageSummary {
	s := MessageSummary{
		ID:     MessageID(folder, uid),
		Folder: folder,
		UID:    uid,
		Date:   r.internalDate(),
		Flags:  r.flags(),
		Size:   r.size(),
	}
	s.IsRead = hasFlag(s.Flags, FlagSeen)

	if msg, err := mail.ReadMessage(strings.NewReader(header + nl)); err == nil {
		h := msg.Header
		s.Subject = decodeHeader(h.Get("Subject"))
		s.From = decodeHeader(h.Get("From"))
		s.To = decodeHeader(h.Get("To"))
		if d, err := mail.ParseDate(h.Get("Date")); err == nil {
			s.Sent = d
		}
		ct := strings.ToLower(strings.TrimSpace(h.Get("Content-Type")))
		s.HasAttachments = strings.HasPrefix(ct, "multipart/mixed")
	}
	if s.Date.IsZero() {
		s.Date = s.Sent
	}
	fillDefaults(&s)
	return s
}

func fillDefaults(s *MessageSummary) {
	if s.Subject == "" {
		s.Subject = noSubject
	}
	if s.From == "" {
		s.From = unknownSender
	}
	if s.To == "" {
		s.To = unknownRecipient
	}
	s.SenderInitial = senderInitial(s.From)
	if s.From == unknownSender {
		s.SenderInitial = "?"
	}
}

func parseMessage(folder string, uid int, r *fetchRecord, raw []byte) (*MessageDetail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", MessageID(folder, uid), err)
	}

	d := &MessageDetail{
		MessageSummary: MessageSummary{
			ID:      MessageID(folder, uid),
			Folder:  folder,
			UID:     uid,
			Subject: env.GetHeader("Subject"),
			From:    env.GetHeader("From"),
			To:      env.GetHeader("To"),
			Date:    r.internalDate(),
			Flags:   r.flags(),
			Size:    r.size(),
		},
		Cc:        env.GetHeader("Cc"),
		MessageID: strings.Trim(env.GetHeader("Message-Id"), "<>"),
		TextBody:  env.Text,
		HTMLBody:  env.HTML,
	}
	if sent, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		d.Sent = sent
	}
	if d.Date.IsZero() {
		d.Date = d.Sent
	}
	if d.Size == 0 {
		d.Size = uint64(len(raw))
	}
	d.IsRead = hasFlag(d.Flags, FlagSeen)
	for _, a := range env.Attachments {
		d.Attachments = append(d.Attachments, Attachment{
			Name:     a.FileName,
			MimeType: a.ContentType,
			Size:     len(a.Content),
			Content:  a.Content,
		})
	}
	d.HasAttachments = len(d.Attachments) > 0
	fillDefaults(&d.MessageSummary)
	return d, nil
}
