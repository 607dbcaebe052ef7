package script

// SegmentType identifies one unit of the tagged script mini-language.
type SegmentType string

const (
	SegmentBackground  SegmentType = "background"
	SegmentBgm         SegmentType = "bgm"
	SegmentEventCG     SegmentType = "event_cg"
	SegmentCommand     SegmentType = "command"
	SegmentDialogue    SegmentType = "dialogue"
	SegmentNarration   SegmentType = "narration"
	SegmentChoice      SegmentType = "choice"
	SegmentTextMessage SegmentType = "text_message"
	SegmentTextReply   SegmentType = "text_reply"
	SegmentPhoneCall   SegmentType = "phone_call"
	SegmentSystemPopup SegmentType = "system_popup"
)

// CommandKind identifies a command-class mutation segment.
type CommandKind string

const (
	CommandSetTime            CommandKind = "set_time"
	CommandUpdateStat         CommandKind = "update_stat"
	CommandUpdateRelationship CommandKind = "update_relationship"
	CommandUpdateTime         CommandKind = "update_time"
	CommandAddInjury          CommandKind = "add_injury"
)

// Segment is one ordered, typed unit parsed from the narration stream.
type Segment struct {
	Type       SegmentType
	Content    string
	Character  string
	Expression string
	ChoiceID   int
	Command    CommandKind
	Payload    map[string]string
	Leave      bool
}

// Class buckets segments by how the synchronizer treats them.
type Class int

const (
	// ClassIdempotent segments change presentation only; re-execution is
	// harmless, so they run eagerly once proven stable.
	ClassIdempotent Class = iota
	// ClassCommand segments mutate game state exactly once.
	ClassCommand
	// ClassContent segments are shown to the player, never executed.
	ClassContent
)

// Class returns the execution class of the segment.
func (s Segment) Class() Class {
	switch s.Type {
	case SegmentBackground, SegmentBgm, SegmentEventCG:
		return ClassIdempotent
	case SegmentCommand:
		return ClassCommand
	default:
		return ClassContent
	}
}

// SameContent reports whether two segments would look identical on screen.
// Used by the reconciliation repetition guard.
func (s Segment) SameContent(other Segment) bool {
	return s.Type == other.Type && normalizeSpace(s.Content) == normalizeSpace(other.Content)
}
