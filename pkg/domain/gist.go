package domain

import (
	"time"
)

// Limits enforced on the decrypted container client-side and re-enforced
// server-side on the opaque blob where possible.
const (
	MaxFileSize         = 500 * 1024
	MaxTotalSize        = 5 * 1024 * 1024
	MaxFileCount        = 20
	MaxFileNameLen      = 255
	MaxLanguageLen      = 50
	MaxRetainedVersions = 50
)

// TimestampLayout is the canonical wire form for record timestamps,
// millisecond precision, always UTC. Deletion proofs hash this exact form.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Now returns the current instant at record precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// EncryptedMetadata is an opaque client-encrypted envelope (title, tags).
// The server stores and returns it without ever inspecting it.
type EncryptedMetadata struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

type EditorPrefs struct {
	IndentMode string `json:"indent_mode,omitempty"`
	IndentSize int    `json:"indent_size,omitempty"`
	WrapMode   string `json:"wrap_mode,omitempty"`
	Theme      string `json:"theme,omitempty"`
}

func (p EditorPrefs) Validate() error {
	switch p.IndentMode {
	case "", "spaces", "tabs":
	default:
		return ErrInvalidInput
	}
	switch p.WrapMode {
	case "", "soft", "off":
	default:
		return ErrInvalidInput
	}
	switch p.Theme {
	case "", "system", "light", "dark":
	default:
		return ErrInvalidInput
	}
	if p.IndentSize < 0 || p.IndentSize > 8 {
		return ErrInvalidInput
	}
	return nil
}

// Gist is the unencrypted metadata record kept alongside each stored blob.
// The blob itself is ciphertext the server cannot read.
type Gist struct {
	ID                  string             `json:"id"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	ExpiresAt           *time.Time         `json:"expires_at,omitempty"`
	Version             int64              `json:"version"`
	CurrentVersionToken string             `json:"current_version_token"`
	TotalSize           int64              `json:"total_size"`
	BlobCount           int                `json:"blob_count"`
	OneTimeView         bool               `json:"one_time_view"`
	EditPinHash         string             `json:"edit_pin_hash,omitempty"`
	EditPinSalt         string             `json:"edit_pin_salt,omitempty"`
	EncryptedMetadata   *EncryptedMetadata `json:"encrypted_metadata,omitempty"`
	EditorPrefs
}

func (g *Gist) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// ProtectionClass derives the record's class from its stored fields.
// PIN fields take precedence should legacy data carry both markers.
func (g *Gist) ProtectionClass() ProtectionClass {
	if g.EditPinHash != "" && g.EditPinSalt != "" {
		return ProtectionPin
	}
	if g.OneTimeView {
		return ProtectionOneTimeView
	}
	return ProtectionNone
}

// PublicView strips everything a viewer without proof of authorization
// must not see: the PIN hash material and the encrypted metadata envelope.
func (g *Gist) PublicView() *Gist {
	v := *g
	v.EditPinHash = ""
	v.EditPinSalt = ""
	v.EncryptedMetadata = nil
	return &v
}

type ProtectionClass uint8

const (
	ProtectionNone ProtectionClass = iota
	ProtectionPin
	ProtectionOneTimeView
)

func (c ProtectionClass) String() string {
	switch c {
	case ProtectionPin:
		return "pin"
	case ProtectionOneTimeView:
		return "one_time_view"
	default:
		return "none"
	}
}

// Protection is the creation-time choice of exactly one class. The zero
// value is no protection; a PIN and one-time-view cannot be combined.
type Protection struct {
	class ProtectionClass
	pin   string
}

func NoProtection() Protection              { return Protection{} }
func PinProtection(pin string) Protection   { return Protection{class: ProtectionPin, pin: pin} }
func OneTimeViewProtection() Protection     { return Protection{class: ProtectionOneTimeView} }
func (p Protection) Class() ProtectionClass { return p.class }
func (p Protection) Pin() string            { return p.pin }

type VersionHistoryEntry struct {
	VersionToken  string    `json:"version_token"`
	CreatedAt     time.Time `json:"created_at"`
	Size          int64     `json:"size"`
	FileCount     int       `json:"file_count"`
	EditedWithPin bool      `json:"edited_with_pin"`
}

type CreateParams struct {
	Blob              []byte
	BlobCount         int
	ExpiresAt         *time.Time
	Protection        Protection
	EncryptedMetadata *EncryptedMetadata
	Editor            EditorPrefs
}

type UpdateParams struct {
	Blob              []byte
	BlobCount         int
	Pin               string
	ExpectedVersion   int64
	ExpiresAt         *time.Time
	EncryptedMetadata *EncryptedMetadata
	Editor            *EditorPrefs
}
