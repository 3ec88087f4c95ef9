package memory

import "time"

// Conversation lifecycle states. OPEN accepts turns, CLOSED is eligible for
// delayed cleanup, ARCHIVED is terminal (history summarized and purged).
const (
	StatusOpen     = "OPEN"
	StatusClosed   = "CLOSED"
	StatusArchived = "ARCHIVED"
)

// Turn senders.
const (
	SenderUser      = "USER"
	SenderCharacter = "CHARACTER"
	SenderSystem    = "SYSTEM"
)

// Memory slot categories. Anything else proposed by the extraction model is
// dropped.
const (
	CategoryFavorite = "FAVORITE"
	CategoryDislike  = "DISLIKE"
	CategorySchedule = "SCHEDULE"
)

// Conversation is one (user, character) chat thread. The engine always
// operates on the latest conversation per pair, located by most-recent-id
// lookup; no uniqueness constraint is enforced.
type Conversation struct {
	ID           int64
	UserID       string
	CharacterID  string
	Status       string
	FirstMeeting bool
	CallingName  string
	CleanupFlag  bool
	CreatedAtMS  int64
	UpdatedAtMS  int64
}

// Turn is one message. Its id increases monotonically within a conversation
// and is the sole ordering key for summarization deltas and memory
// provenance, never wall-clock time.
type Turn struct {
	ID             int64
	ConversationID int64
	Sender         string
	Content        string
	CreatedAtMS    int64
}

// Summary is the rolling digest of a conversation's older history, at most
// one per conversation. LastTurnID is the high-water mark: turns at or below
// it have been folded into Text.
type Summary struct {
	ConversationID int64
	Text           string
	Version        int64
	LastTurnID     int64
	CharLen        int
	UpdatedAtMS    int64
}

// Slot is a durable fact about a user. (UserID, CharacterID, Category,
// SubjectNorm) is the natural key for upsert. DueAtMS is zero unless the
// slot is a SCHEDULE entry with a parsable due date.
type Slot struct {
	ID                   string
	UserID               string
	CharacterID          string
	Category             string
	Subject              string
	SubjectNorm          string
	Value                string
	Strength             int
	Confidence           float64
	Source               string
	SourceConversationID int64
	SourceTurnID         int64
	DueAtMS              int64
	FirstSeenAtMS        int64
	LastUsedAtMS         int64
}

// Persona is the instruction prompt for a character, created lazily on first
// access and immutable afterwards within this engine.
type Persona struct {
	CharacterID string
	Prompt      string
	CreatedAtMS int64
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
