package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrInvalidPayload = errors.New("invalid payload")

const (
	MaxTextLength      = 4096
	MaxCaptionLength   = 1024
	MaxExplicitTargets = 10000
	MaxImportRows      = 100000
)

type AudienceMode string

const (
	AudienceAll      AudienceMode = "all"
	AudienceExplicit AudienceMode = "explicit"
)

// Payload is the typed, validated form of Job.Payload for one kind.
type Payload interface {
	Kind() JobKind
	Validate() error
}

type MessageContent struct {
	Text           string `json:"text,omitempty"`
	Photo          string `json:"photo,omitempty"`
	Caption        string `json:"caption,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type AudienceSelector struct {
	Mode    AudienceMode `json:"mode"`
	ChatIDs []int64      `json:"chat_ids,omitempty"`
}

type BroadcastPayload struct {
	Content  MessageContent   `json:"content"`
	Audience AudienceSelector `json:"audience"`
}

func (BroadcastPayload) Kind() JobKind { return JobKindBroadcast }

func (p BroadcastPayload) Validate() error {
	if err := p.Content.Validate(); err != nil {
		return err
	}
	switch p.Audience.Mode {
	case AudienceAll:
		if len(p.Audience.ChatIDs) > 0 {
			return fmt.Errorf("%w: chat_ids not allowed with audience mode %q", ErrInvalidPayload, AudienceAll)
		}
	case AudienceExplicit:
		if len(p.Audience.ChatIDs) == 0 {
			return fmt.Errorf("%w: explicit audience requires chat_ids", ErrInvalidPayload)
		}
		if len(p.Audience.ChatIDs) > MaxExplicitTargets {
			return fmt.Errorf("%w: explicit audience exceeds %d targets", ErrInvalidPayload, MaxExplicitTargets)
		}
		for _, chatID := range p.Audience.ChatIDs {
			if chatID == 0 {
				return fmt.Errorf("%w: chat_id must be non-zero", ErrInvalidPayload)
			}
		}
	default:
		return fmt.Errorf("%w: unknown audience mode %q", ErrInvalidPayload, p.Audience.Mode)
	}
	return nil
}

func (c MessageContent) Validate() error {
	text := strings.TrimSpace(c.Text)
	photo := strings.TrimSpace(c.Photo)
	if text == "" && photo == "" {
		return fmt.Errorf("%w: content requires text or photo", ErrInvalidPayload)
	}
	if photo == "" && c.Caption != "" {
		return fmt.Errorf("%w: caption requires photo", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(c.Text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidPayload, MaxTextLength)
	}
	if utf8.RuneCountInString(c.Caption) > MaxCaptionLength {
		return fmt.Errorf("%w: caption exceeds %d characters", ErrInvalidPayload, MaxCaptionLength)
	}
	switch c.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		return fmt.Errorf("%w: unsupported parse_mode %q", ErrInvalidPayload, c.ParseMode)
	}
	return nil
}

type ImportRow struct {
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username,omitempty"`
}

// ImportPayload carries rows already parsed by the upload layer.
// Rows with a zero chat_id are counted as failed entries at execution time.
type ImportPayload struct {
	Rows []ImportRow `json:"rows"`
}

func (ImportPayload) Kind() JobKind { return JobKindBulkImport }

func (p ImportPayload) Validate() error {
	if len(p.Rows) == 0 {
		return fmt.Errorf("%w: import requires at least one row", ErrInvalidPayload)
	}
	if len(p.Rows) > MaxImportRows {
		return fmt.Errorf("%w: import exceeds %d rows", ErrInvalidPayload, MaxImportRows)
	}
	return nil
}

// DecodePayload strictly decodes raw into the schema of kind and validates it.
func DecodePayload(kind JobKind, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch kind {
	case JobKindBroadcast:
		var decoded BroadcastPayload
		if err := decodeStrict(raw, &decoded); err != nil {
			return nil, err
		}
		payload = decoded
	case JobKindBulkImport:
		var decoded ImportPayload
		if err := decodeStrict(raw, &decoded); err != nil {
			return nil, err
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeStrict(raw json.RawMessage, value any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return nil
}
