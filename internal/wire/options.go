package wire

import (
	"strconv"
	"time"
)

// Option range limits, per spec.md §3 (TransferContext) and RFC 2348/2349.
const (
	MinBlksize     = 8
	MaxBlksize     = 65464
	DefaultBlksize = 512

	MinTimeout     = 1 * time.Second
	MaxTimeout     = 255 * time.Second
	DefaultTimeout = 3 * time.Second // spec.md §9 open-question default
)

// Negotiated holds the outcome of option negotiation for one transfer.
type Negotiated struct {
	Blksize   int
	Timeout   time.Duration
	WantTsize bool // client sent tsize=0, requesting the resolved size
	Tsize     int64
	Accepted  []Option // options to echo back in OACK, in request order
}

// Negotiate computes accepted options from the client's RRQ options, per
// spec.md §4.7 step 1. Unknown options are ignored (RFC 2347); blksize and
// timeout are clamped into range rather than rejected -- RFC 2348 explicitly
// permits a server to reply with a smaller blksize than requested.
//
// resolvedSize is the size of the file that will be served; it is echoed
// back for any tsize option with an integer value, and WantTsize records
// whether that value was 0.
func Negotiate(requested []Option, resolvedSize int64) Negotiated {
	n := Negotiated{Blksize: DefaultBlksize, Timeout: DefaultTimeout}

	for _, opt := range requested {
		switch opt.Name {
		case OptBlksize:
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				continue
			}
			n.Blksize = clampInt(v, MinBlksize, MaxBlksize)
			n.Accepted = append(n.Accepted, Option{Name: OptBlksize, Value: strconv.Itoa(n.Blksize)})

		case OptTimeout:
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				continue
			}
			secs := clampInt(v, int(MinTimeout/time.Second), int(MaxTimeout/time.Second))
			n.Timeout = time.Duration(secs) * time.Second
			n.Accepted = append(n.Accepted, Option{Name: OptTimeout, Value: strconv.Itoa(secs)})

		case OptTsize:
			v, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil {
				continue
			}
			if v == 0 {
				n.WantTsize = true
			}
			n.Tsize = resolvedSize
			n.Accepted = append(n.Accepted, Option{Name: OptTsize, Value: strconv.FormatInt(resolvedSize, 10)})

		default:
			// unrecognized option: silently ignored per RFC 2347.
		}
	}

	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
