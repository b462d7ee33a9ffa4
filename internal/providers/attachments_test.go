package providers_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/providers"
)

func bytesAttachment(mime, url string, data []byte) providers.Attachment {
	return providers.Attachment{
		MimeType: mime,
		Size:     int64(len(data)),
		Filename: "f",
		URL:      url,
		Fetch:    func(context.Context) ([]byte, error) { return data, nil },
	}
}

func TestResolveAttachmentPolicy(t *testing.T) {
	ctx := context.Background()
	pdf := bytesAttachment("application/pdf", "", []byte("%PDF"))
	pdf.ExtractText = func(context.Context) (string, error) { return "page one", nil }

	tests := []struct {
		name string
		att  providers.Attachment
		want providers.ResolvedPart
	}{
		{
			"plain text",
			bytesAttachment("text/plain; charset=utf-8", "", []byte("hello")),
			providers.ResolvedPart{Type: providers.PartText, Text: "[Attached File]:\nhello"},
		},
		{
			"pdf",
			pdf,
			providers.ResolvedPart{Type: providers.PartText, Text: "[Attached PDF File (Extracted Text)]:\npage one"},
		},
		{
			"remote image",
			bytesAttachment("image/png", "https://cdn.example.com/a.png", []byte{1}),
			providers.ResolvedPart{Type: providers.PartImage, URL: "https://cdn.example.com/a.png", MimeType: "image/png", Filename: "f"},
		},
		{
			"loopback image",
			bytesAttachment("image/png", "http://127.0.0.1:3000/files/a", []byte{1, 2}),
			providers.ResolvedPart{Type: providers.PartImage, URL: "data:image/png;base64,AQI=", MimeType: "image/png", Data: []byte{1, 2}, Filename: "f"},
		},
		{
			"mp3",
			bytesAttachment("audio/mpeg", "", []byte{9}),
			providers.ResolvedPart{Type: providers.PartAudio, MimeType: "audio/mpeg", Data: []byte{9}, AudioFormat: "mp3", Filename: "f"},
		},
		{
			"ogg falls back to wav",
			bytesAttachment("audio/ogg", "", []byte{9}),
			providers.ResolvedPart{Type: providers.PartAudio, MimeType: "audio/ogg", Data: []byte{9}, AudioFormat: "wav", Filename: "f"},
		},
		{
			"generic file",
			providers.Attachment{ID: "x1", MimeType: "application/zip", Filename: "a.zip", Fetch: func(context.Context) ([]byte, error) { return []byte("PK"), nil }},
			providers.ResolvedPart{Type: providers.PartFile, MimeType: "application/zip", Data: []byte("PK"), Filename: "a.zip", FileID: "x1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := providers.ResolveAttachment(ctx, tt.att)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMessagesLatestUserOnly(t *testing.T) {
	resolver := providers.StaticResolver{
		"old": bytesAttachment("text/plain", "", []byte("old file")),
		"new": bytesAttachment("text/plain", "", []byte("new file")),
	}
	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: []providers.ContentPart{{Text: "be brief"}}},
		{Role: providers.RoleUser, Content: []providers.ContentPart{{Text: "first"}}, AttachmentIDs: []string{"old"}},
		{Role: providers.RoleAssistant, Content: []providers.ContentPart{{Text: "ok"}}},
		{Role: providers.RoleUser, Content: []providers.ContentPart{{Text: "second"}, {AttachmentID: "new"}}},
	}

	out, err := providers.ResolveMessages(context.Background(), msgs, resolver)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "first", out[1].Text())
	assert.Len(t, out[1].Parts, 1)
	assert.Equal(t, "second\n[Attached File]:\nnew file", out[3].Text())
}

func TestResolveMessagesErrors(t *testing.T) {
	msgs := []providers.Message{{Role: providers.RoleUser, AttachmentIDs: []string{"missing"}}}

	_, err := providers.ResolveMessages(context.Background(), msgs, nil)
	assert.ErrorIs(t, err, providers.ErrValidation)

	_, err = providers.ResolveMessages(context.Background(), msgs, providers.StaticResolver{})
	assert.Error(t, err)

	broken := providers.StaticResolver{"missing": {MimeType: "image/png", Fetch: func(context.Context) ([]byte, error) {
		return nil, errors.New("storage down")
	}}}
	_, err = providers.ResolveMessages(context.Background(), msgs, broken)
	assert.ErrorContains(t, err, "storage down")
}

func TestIsLoopbackURL(t *testing.T) {
	for raw, want := range map[string]bool{
		"http://localhost:3000/a":   true,
		"http://127.0.0.1:9000/x":   true,
		"http://[::1]:80/":          true,
		"http://api.localhost/f":    true,
		"https://files.example.com": false,
		"http://10.0.0.5/a":         false,
		"::not a url":               false,
	} {
		assert.Equal(t, want, providers.IsLoopbackURL(raw), raw)
	}
}
