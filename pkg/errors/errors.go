package errors

import (
	"encoding/json"
	"errors"
)

// Error is an error with help text meant for whoever made the
// request. Type says whose fault it is, which decides how the HTTP
// layer reports it:
//  - Server: ours, and probably transient; try again.
//  - Upstream: the photo provider failed or refused us.
//  - Missing: there is nothing to give you.
//  - User: the request is wrong and will stay wrong.
type Error struct {
	Type Type
	Help string `json:"help"`
	// Err is for logs, not for users.
	Err error
}

type Type string

const (
	Server   Type = "server"
	Missing  Type = "missing"
	User     Type = "user"
	Upstream Type = "upstream"
)

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TypeOf finds the outermost *Error in err's chain and returns its
// type; ok is false when there is none.
func TypeOf(err error) (t Type, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

func IsMissing(err error) bool {
	t, ok := TypeOf(err)
	return ok && t == Missing
}

// wire is how an Error looks in a response body.
type wire struct {
	Type string `json:"type"`
	Help string `json:"help"`
	Err  string `json:"error,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wire{Type: string(e.Type), Help: e.Help}
	if e.Err != nil {
		w.Err = e.Err.Error()
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type, e.Help, e.Err = Type(w.Type), w.Help, nil
	if w.Err != "" {
		e.Err = errors.New(w.Err)
	}
	return nil
}

// CoverAllError is for errors nobody wrote help for. We assume they
// are ours.
func CoverAllError(err error) *Error {
	return &Error{
		Type: Server,
		Err:  err,
		Help: `Error: ` + err.Error() + `

There is no more specific help for the error above. Most often the
cache store or the photo provider could not be reached, and trying
again shortly will succeed.
`,
	}
}
