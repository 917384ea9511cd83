package tracker

import (
	"encoding/json"
	"errors"

	"fitgpt/internal/domain"
)

// ErrNoToken is reported when no usable OAuth token is stored.
var ErrNoToken = errors.New("no valid token")

// Result is the outcome of one metric request: either a payload or the
// reason it is missing. Exactly one of Data and Err is set.
type Result struct {
	Data json.RawMessage
	Err  error
}

// OK wraps a successful payload.
func OK(data json.RawMessage) Result { return Result{Data: data} }

// Failed wraps a failed request.
func Failed(err error) Result {
	if err == nil {
		err = errors.New("unknown tracker error")
	}
	return Result{Err: err}
}

// Ok reports whether the result carries a payload.
func (r Result) Ok() bool { return r.Err == nil && len(r.Data) > 0 }

// Decode unmarshals the payload into v. Failed results return their error.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(r.Data, v)
}

// Blob converts the result to its diagnostic passthrough form.
func (r Result) Blob() domain.MetricBlob {
	if r.Err != nil {
		return domain.MetricBlob{Error: r.Err.Error()}
	}
	return domain.MetricBlob{Data: r.Data}
}
