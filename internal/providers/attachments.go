package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	attachedFilePrefix = "[Attached File]:\n"
	attachedPDFPrefix  = "[Attached PDF File (Extracted Text)]:\n"
)

// Attachment is what the file-storage collaborator returns for an id.
// Fetch and ExtractText are only called when the inlining policy needs them.
type Attachment struct {
	ID          string
	MimeType    string
	Size        int64
	Filename    string
	URL         string
	Fetch       func(ctx context.Context) ([]byte, error)
	ExtractText func(ctx context.Context) (string, error)
}

func (a Attachment) Bytes(ctx context.Context) ([]byte, error) {
	if a.Fetch == nil {
		return nil, fmt.Errorf("attachment %s has no content", a.ID)
	}
	return a.Fetch(ctx)
}

// Text returns extracted text, falling back to the raw bytes.
func (a Attachment) Text(ctx context.Context) (string, error) {
	if a.ExtractText != nil {
		return a.ExtractText(ctx)
	}
	b, err := a.Bytes(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type AttachmentResolver interface {
	Resolve(ctx context.Context, id string) (Attachment, error)
}

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
	PartFile  PartType = "file"
)

// ResolvedPart is a content part after the inlining policy ran. For images
// URL is either the remote URL or a data URL; Data is set whenever the
// bytes were fetched.
type ResolvedPart struct {
	Type        PartType
	Text        string
	URL         string
	MimeType    string
	Data        []byte
	AudioFormat string
	Filename    string
	FileID      string
}

func (p ResolvedPart) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

type ResolvedMessage struct {
	Role  Role
	Parts []ResolvedPart
}

// Text joins the text parts.
func (m ResolvedMessage) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Multimodal reports whether the message carries anything besides text.
func (m ResolvedMessage) Multimodal() bool {
	for _, p := range m.Parts {
		if p.Type != PartText {
			return true
		}
	}
	return false
}

// ResolveMessages applies the attachment policy. Only the most recent user
// turn keeps its attachments; every other message is flattened to text.
func ResolveMessages(ctx context.Context, msgs []Message, resolver AttachmentResolver) ([]ResolvedMessage, error) {
	latest := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			latest = i
			break
		}
	}

	out := make([]ResolvedMessage, 0, len(msgs))
	for i, m := range msgs {
		if i != latest || len(m.Attachments()) == 0 {
			rm := ResolvedMessage{Role: m.Role}
			if text := m.PlainText(); text != "" {
				rm.Parts = []ResolvedPart{{Type: PartText, Text: text}}
			}
			out = append(out, rm)
			continue
		}
		rm, err := resolveLatest(ctx, m, resolver)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

func resolveLatest(ctx context.Context, m Message, resolver AttachmentResolver) (ResolvedMessage, error) {
	if resolver == nil {
		return ResolvedMessage{}, NewError(KindValidation, "", "message has attachments but no attachment resolver is configured")
	}
	rm := ResolvedMessage{Role: m.Role}
	for _, p := range m.Content {
		if p.Text != "" {
			rm.Parts = append(rm.Parts, ResolvedPart{Type: PartText, Text: p.Text})
		}
	}
	for _, id := range m.Attachments() {
		att, err := resolver.Resolve(ctx, id)
		if err != nil {
			return ResolvedMessage{}, fmt.Errorf("resolve attachment %s: %w", id, err)
		}
		if att.ID == "" {
			att.ID = id
		}
		part, err := ResolveAttachment(ctx, att)
		if err != nil {
			return ResolvedMessage{}, fmt.Errorf("inline attachment %s: %w", id, err)
		}
		rm.Parts = append(rm.Parts, part)
	}
	return rm, nil
}

// ResolveAttachment decides how one attachment is sent to a vendor.
func ResolveAttachment(ctx context.Context, att Attachment) (ResolvedPart, error) {
	mime := strings.ToLower(strings.TrimSpace(att.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	switch {
	case mime == "text/plain":
		text, err := att.Text(ctx)
		if err != nil {
			return ResolvedPart{}, err
		}
		return ResolvedPart{Type: PartText, Text: attachedFilePrefix + text}, nil

	case mime == "application/pdf":
		text, err := att.Text(ctx)
		if err != nil {
			return ResolvedPart{}, err
		}
		return ResolvedPart{Type: PartText, Text: attachedPDFPrefix + text}, nil

	case strings.HasPrefix(mime, "image/"):
		if att.URL != "" && !IsLoopbackURL(att.URL) {
			return ResolvedPart{Type: PartImage, URL: att.URL, MimeType: mime, Filename: att.Filename}, nil
		}
		data, err := att.Bytes(ctx)
		if err != nil {
			return ResolvedPart{}, err
		}
		return ResolvedPart{
			Type:     PartImage,
			URL:      DataURL(mime, data),
			MimeType: mime,
			Data:     data,
			Filename: att.Filename,
		}, nil

	case strings.HasPrefix(mime, "audio/"):
		data, err := att.Bytes(ctx)
		if err != nil {
			return ResolvedPart{}, err
		}
		format := "wav"
		if mime == "audio/mpeg" {
			format = "mp3"
		}
		return ResolvedPart{Type: PartAudio, MimeType: mime, Data: data, AudioFormat: format, Filename: att.Filename}, nil

	default:
		data, err := att.Bytes(ctx)
		if err != nil {
			return ResolvedPart{}, err
		}
		return ResolvedPart{
			Type:     PartFile,
			MimeType: mime,
			Data:     data,
			Filename: att.Filename,
			FileID:   att.ID,
		}, nil
	}
}

func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// IsLoopbackURL reports whether raw points at this machine, where vendors
// cannot fetch it.
func IsLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

var errNoAttachment = errors.New("attachment not found")

// StaticResolver serves attachments from memory. Useful for callers that
// already hold the content.
type StaticResolver map[string]Attachment

func (r StaticResolver) Resolve(_ context.Context, id string) (Attachment, error) {
	att, ok := r[id]
	if !ok {
		return Attachment{}, fmt.Errorf("%w: %s", errNoAttachment, id)
	}
	return att, nil
}
