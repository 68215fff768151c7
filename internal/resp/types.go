package resp

import "fmt"

// Kind identifies the shape of a decoded reply.
type Kind int

const (
	Incomplete Kind = iota
	Null
	Status
	Error
	Bulk
	Redirect
	TryAgain
)

func (k Kind) String() string {
	switch k {
	case Incomplete:
		return "incomplete"
	case Null:
		return "null"
	case Status:
		return "status"
	case Error:
		return "error"
	case Bulk:
		return "bulk"
	case Redirect:
		return "redirect"
	case TryAgain:
		return "tryagain"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reply is the typed result of a single decode attempt.
type Reply struct {
	Kind Kind

	// Text holds the status line, error message or bulk content.
	Text string

	// Data is the parsed JSON object/array when Text carries one.
	Data any

	// Elems holds the elements of a length-framed array reply.
	Elems []string

	// Target is the 1-based node id of a MOVED redirect.
	Target int

	// Unframed marks replies recovered by a fallback path instead of
	// the declared-length framing.
	Unframed bool
}

// Structured reports whether the reply carries a parsed JSON payload.
func (r Reply) Structured() bool {
	return r.Data != nil
}

func (r Reply) String() string {
	switch r.Kind {
	case Redirect:
		return fmt.Sprintf("redirect(%d)", r.Target)
	case Null, Incomplete, TryAgain:
		return r.Kind.String()
	default:
		return fmt.Sprintf("%s(%q)", r.Kind, preview(r.Text, 64))
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
