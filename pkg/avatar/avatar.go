// Package avatar defines what the audio pipeline needs from the rendered
// character: expression and motion control, an optional lip-sync channel, and
// a display surface for subtitles and chat history.
//
// The renderer itself (Live2D or similar) runs out of process; the bridge
// subpackage implements these interfaces by forwarding commands over a local
// websocket.
package avatar

// TalkMotion is the motion group played while the character speaks.
const TalkMotion = "Talk"

// Model is a rendered character.
type Model interface {
	// SetExpression switches the face to the named expression.
	SetExpression(name string)

	// StartMotion plays a motion from the named group.
	StartMotion(group string)
}

// LipSyncer is implemented by models whose mouth can follow an audio level.
// Callers discover the capability with a type assertion.
type LipSyncer interface {
	// FeedLipSync sets the current mouth opening in [0, 2].
	FeedLipSync(level float64)

	// ResetLipSync closes the mouth and drops any buffered lip-sync audio.
	ResetLipSync()
}

// Role identifies the speaker of a chat history entry.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Display is the text surface around the character.
type Display interface {
	// SetSubtitle replaces the subtitle line. An empty string clears it.
	SetSubtitle(text string)

	// AppendMessage adds an entry to the visible chat history.
	AppendMessage(role Role, text string)
}
