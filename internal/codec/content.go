// Package codec encodes and decodes conversation content to and from
// the wire format, classifies attachment files for thumbnail
// generation, and encrypts payloads with the session secret. It is
// stateless apart from its collaborators and is consumed by the upload
// pipeline on the write path and the reconciler on the read path.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhle/courier/internal/model"
)

// ContentKind tags the variant of a conversation payload. The tag is
// resolved exactly once, at the wire boundary; nothing downstream
// probes field presence to guess the shape.
type ContentKind string

const (
	KindMail      ContentKind = "mail"
	KindPost      ContentKind = "post"
	KindCommunity ContentKind = "community"
)

// Content is the decoded conversation payload.
type Content struct {
	Kind       ContentKind `json:"kind"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	Sender     string      `json:"sender"`
	Recipients []string    `json:"recipients,omitempty"`
	OriginID   string      `json:"originId"`
	ThreadID   string      `json:"threadId"`
	CreatedAt  time.Time   `json:"createdAt"`
	UserDate   *time.Time  `json:"userDate,omitempty"`
}

// wireContent is the on-the-wire JSON shape, including the legacy
// community field still emitted by older writers.
type wireContent struct {
	Kind       string     `json:"kind,omitempty"`
	ChannelID  string     `json:"channelId,omitempty"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Sender     string     `json:"sender"`
	Recipients []string   `json:"recipients,omitempty"`
	OriginID   string     `json:"originId"`
	ThreadID   string     `json:"threadId"`
	CreatedAt  time.Time  `json:"createdAt"`
	UserDate   *time.Time `json:"userDate,omitempty"`
}

// EncodeContent serializes the entity's conversation content for
// upload.
func (c *Codec) EncodeContent(e *model.MessageEntity, kind ContentKind) ([]byte, error) {
	w := wireContent{
		Kind:       string(kind),
		Subject:    e.Subject,
		Body:       e.Body,
		Sender:     e.Sender,
		Recipients: e.Recipients,
		OriginID:   e.OriginID,
		ThreadID:   e.ThreadID,
		CreatedAt:  e.CreatedAt.UTC(),
		UserDate:   e.UserDate,
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	return data, nil
}

// DecodeContent parses wire content into its tagged form. Legacy
// payloads carrying a channelId instead of a kind tag are mapped to
// KindCommunity here and never inspected again.
func (c *Codec) DecodeContent(data []byte) (*Content, error) {
	var w wireContent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}

	kind := ContentKind(w.Kind)
	if kind == "" {
		if w.ChannelID != "" {
			kind = KindCommunity
		} else {
			kind = KindMail
		}
	}

	return &Content{
		Kind:       kind,
		Subject:    w.Subject,
		Body:       w.Body,
		Sender:     w.Sender,
		Recipients: w.Recipients,
		OriginID:   w.OriginID,
		ThreadID:   w.ThreadID,
		CreatedAt:  w.CreatedAt,
		UserDate:   w.UserDate,
	}, nil
}
