package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	tutorerrors "tutor/internal/errors"
)

// errorBodyLimit bounds how much of a failed response ends up in an error.
const errorBodyLimit = 4096

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. If limit <= 0, it behaves
// like io.ReadAll.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

// DecodeJSON decodes a body of at most limit bytes into v.
func DecodeJSON(r io.Reader, limit int64, v any) error {
	data, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// StatusError turns a non-success response into a transient or permanent
// error carrying the start of the body.
func StatusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return tutorerrors.FromHTTPStatus(resp.StatusCode, string(msg))
}
