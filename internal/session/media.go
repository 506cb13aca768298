package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ChatBridge/internal/upstream"
)

// Payload size bounds, inclusive.
const (
	MinPayloadSize = 100
	MaxPayloadSize = 16 * 1024 * 1024
)

// Per-attempt timeout bounds for media delivery.
const (
	MinMediaTimeout = 30 * time.Second
	MaxMediaTimeout = 300 * time.Second
)

const octetStream = "application/octet-stream"

// MediaKind classifies a payload for delivery.
type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindDocument MediaKind = "document"
)

var kindByExt = map[string]MediaKind{
	"jpg": KindImage, "jpeg": KindImage, "png": KindImage, "gif": KindImage, "webp": KindImage,
	"mp4": KindVideo, "3gp": KindVideo, "mov": KindVideo, "avi": KindVideo, "mkv": KindVideo, "webm": KindVideo,
	"mp3": KindAudio, "ogg": KindAudio, "opus": KindAudio, "wav": KindAudio, "m4a": KindAudio, "aac": KindAudio, "amr": KindAudio,
}

var contentTypes = map[MediaKind]map[string]string{
	KindImage: {
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"png":  "image/png",
		"gif":  "image/gif",
		"webp": "image/webp",
	},
	KindVideo: {
		"mp4":  "video/mp4",
		"3gp":  "video/3gpp",
		"mov":  "video/quicktime",
		"avi":  "video/x-msvideo",
		"mkv":  "video/x-matroska",
		"webm": "video/webm",
	},
	KindAudio: {
		"mp3":  "audio/mpeg",
		"ogg":  "audio/ogg",
		"opus": "audio/opus",
		"wav":  "audio/wav",
		"m4a":  "audio/mp4",
		"aac":  "audio/aac",
		"amr":  "audio/amr",
	},
	KindDocument: {
		"pdf":  "application/pdf",
		"doc":  "application/msword",
		"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"xls":  "application/vnd.ms-excel",
		"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"ppt":  "application/vnd.ms-powerpoint",
		"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"txt":  "text/plain",
		"csv":  "text/csv",
		"zip":  "application/zip",
	},
}

// ParseMediaKind accepts an explicit kind name. The empty string means
// "infer from the file name".
func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(strings.ToLower(s)); k {
	case "", KindImage, KindVideo, KindAudio, KindDocument:
		return k, nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// InferKind classifies a file by extension; anything unknown is a document.
func InferKind(filename string) MediaKind {
	if k, ok := kindByExt[extension(filename)]; ok {
		return k
	}
	return KindDocument
}

// ContentType looks up (kind, extension); unmapped pairs are octet-stream.
func ContentType(kind MediaKind, filename string) string {
	if ct, ok := contentTypes[kind][extension(filename)]; ok {
		return ct
	}
	return octetStream
}

// MediaTimeout is clamp(30s, size/10 ms, 300s).
func MediaTimeout(size int) time.Duration {
	d := time.Duration(size/10) * time.Millisecond
	if d < MinMediaTimeout {
		return MinMediaTimeout
	}
	if d > MaxMediaTimeout {
		return MaxMediaTimeout
	}
	return d
}

// CheckPayloadSize enforces the inclusive [MinPayloadSize, MaxPayloadSize] range.
func CheckPayloadSize(size int) error {
	if size < MinPayloadSize {
		return fmt.Errorf("%w (%d bytes)", ErrCorruptPayload, size)
	}
	if size > MaxPayloadSize {
		return fmt.Errorf("%w (%d bytes, max %d)", ErrPayloadTooLarge, size, MaxPayloadSize)
	}
	return nil
}

// Attempt is one way of handing media to the upstream service.
type Attempt struct {
	Mimetype   string
	AsDocument bool
}

// Delivery is the plan for sending one payload: a primary attempt and, for
// images only, a fallback that resends the bytes as a generic document.
type Delivery struct {
	Kind     MediaKind
	Primary  Attempt
	Fallback *Attempt
	Timeout  time.Duration
}

// PlanDelivery builds the delivery strategy for a payload.
func PlanDelivery(filename string, kind MediaKind, size int) Delivery {
	if kind == "" {
		kind = InferKind(filename)
	}
	d := Delivery{
		Kind:    kind,
		Primary: Attempt{Mimetype: ContentType(kind, filename)},
		Timeout: MediaTimeout(size),
	}
	if kind == KindImage {
		d.Fallback = &Attempt{Mimetype: octetStream, AsDocument: true}
	}
	return d
}

// Budget is the worst-case wall time across all attempts.
func (d Delivery) Budget() time.Duration {
	if d.Fallback != nil {
		return 2 * d.Timeout
	}
	return d.Timeout
}

// Run executes the plan. Each attempt gets its own timeout. The fallback runs
// at most once, and only if the caller's context is still live.
func (d Delivery) Run(ctx context.Context, send func(context.Context, Attempt) (upstream.Message, error)) (upstream.Message, error) {
	msg, err := d.attempt(ctx, d.Primary, send)
	if err == nil || d.Fallback == nil || ctx.Err() != nil {
		return msg, err
	}

	msg, fallbackErr := d.attempt(ctx, *d.Fallback, send)
	if fallbackErr != nil {
		return upstream.Message{}, fmt.Errorf("document fallback failed after %v: %w", err, fallbackErr)
	}
	return msg, nil
}

func (d Delivery) attempt(ctx context.Context, a Attempt, send func(context.Context, Attempt) (upstream.Message, error)) (upstream.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	return send(ctx, a)
}
