package transforms

// ResponseHeaderValue sets or appends a fixed header on the client-facing
// response. WhenFailed makes it run even on errored responses.
type ResponseHeaderValue struct {
	Name       string
	Value      string
	Append     bool
	WhenFailed bool
}

func (t ResponseHeaderValue) ApplyResponse(tc *ResponseContext) error {
	if t.Append {
		tc.Header.Add(t.Name, t.Value)
	} else {
		tc.Header.Set(t.Name, t.Value)
	}
	return nil
}

func (t ResponseHeaderValue) Always() bool { return t.WhenFailed }

// ResponseHeaderRemove removes a header from the client-facing response.
type ResponseHeaderRemove struct {
	Name       string
	WhenFailed bool
}

func (t ResponseHeaderRemove) ApplyResponse(tc *ResponseContext) error {
	tc.Header.Del(t.Name)
	return nil
}

func (t ResponseHeaderRemove) Always() bool { return t.WhenFailed }

// ResponseTrailerValue sets or appends a fixed trailer.
type ResponseTrailerValue struct {
	Name   string
	Value  string
	Append bool
}

func (t ResponseTrailerValue) ApplyTrailer(tc *TrailerContext) error {
	if t.Append {
		tc.Trailer.Add(t.Name, t.Value)
	} else {
		tc.Trailer.Set(t.Name, t.Value)
	}
	return nil
}
