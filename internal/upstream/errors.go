package upstream

import "errors"

// ErrTransient indicates the fetch failed or the upstream returned a
// non-2xx status. The caller should skip this pass and retry on the next
// scheduled tick; no intra-tick retry is attempted.
var ErrTransient = errors.New("upstream: transient fetch failure")

// ErrParse indicates the response body did not match the expected report
// shape. The caller should log the payload and skip this pass.
var ErrParse = errors.New("upstream: response does not match expected shape")
