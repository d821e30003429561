// Package settings turns /settings query strings into sensor directives.
package settings

import (
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/media"
)

// Query keys. "automatic-gain-celing" is misspelled on the wire and must
// stay that way for existing clients.
const (
	KeyFrameSize   = "framesize"
	KeyQuality     = "quality"
	KeyContrast    = "contrast"
	KeyBrightness  = "brightness"
	KeySaturation  = "saturation"
	KeyAELevel     = "automatic-exposure-level"
	KeyGainCeiling = "automatic-gain-celing"
)

// wireFrameSizes are the only resolutions accepted over HTTP.
var wireFrameSizes = map[string]media.FrameSize{
	"QQVGA": media.FrameSizeQQVGA,
	"QVGA":  media.FrameSizeQVGA,
	"SVGA":  media.FrameSizeSVGA,
	"UXGA":  media.FrameSizeUXGA,
}

var intSetters = []struct {
	key   string
	apply func(media.SensorControl, int) error
}{
	{KeyQuality, media.SensorControl.SetQuality},
	{KeyContrast, media.SensorControl.SetContrast},
	{KeyBrightness, media.SensorControl.SetBrightness},
	{KeySaturation, media.SensorControl.SetSaturation},
	{KeyAELevel, media.SensorControl.SetAELevel},
	{KeyGainCeiling, media.SensorControl.SetGainCeiling},
}

// Result splits the recognised keys by whether their setter succeeded.
type Result struct {
	Applied []string
	Failed  []string
}

// Apply parses rawQuery and invokes the matching setters on ctl. Unknown
// keys and unknown frame sizes are ignored. Numbers are read the way
// strtol does: leading digits only, zero when there are none.
func Apply(rawQuery string, ctl media.SensorControl, log zerolog.Logger) Result {
	var res Result
	if rawQuery == "" {
		return res
	}
	// ParseQuery keeps every pair it could decode alongside the error
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		log.Debug().Err(err).Msg("malformed query pairs skipped")
	}

	if v, ok := first(values, KeyFrameSize); ok {
		log.Info().Str("key", KeyFrameSize).Str("value", v).Msg("found url query parameter")
		if size, known := wireFrameSizes[v]; known {
			res.record(KeyFrameSize, ctl.SetFrameSize(size), log)
		}
	}

	for _, s := range intSetters {
		v, ok := first(values, s.key)
		if !ok {
			continue
		}
		log.Info().Str("key", s.key).Str("value", v).Msg("found url query parameter")
		res.record(s.key, s.apply(ctl, ParseInt(v)), log)
	}
	return res
}

func (r *Result) record(key string, err error, log zerolog.Logger) {
	if err != nil {
		r.Failed = append(r.Failed, key)
		log.Warn().Err(err).Str("key", key).Msg("sensor setter failed")
		return
	}
	r.Applied = append(r.Applied, key)
}

func first(values url.Values, key string) (string, bool) {
	vs, ok := values[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// ParseInt reads an optionally signed base-10 integer prefix of s after
// leading whitespace. Trailing text is ignored, no digits yields 0 and
// out-of-range values saturate at the int32 limits.
func ParseInt(s string) int {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	var n int64
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int64(s[i]-'0')
		if n > math.MaxInt32+1 {
			n = math.MaxInt32 + 1
		}
	}
	if neg {
		n = -n
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return int(n)
}

// Handler serves /settings. It always answers 200 with an empty body.
type Handler struct {
	ctl media.SensorControl
	log zerolog.Logger
}

// NewHandler returns a handler applying settings to ctl.
func NewHandler(ctl media.SensorControl, log zerolog.Logger) *Handler {
	return &Handler{ctl: ctl, log: log.With().Str("component", "settings").Logger()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.log
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		log = l.With().Str("component", "settings").Logger()
	}
	res := Apply(r.URL.RawQuery, h.ctl, log)
	log.Debug().Strs("applied", res.Applied).Strs("failed", res.Failed).Msg("settings applied")
	w.WriteHeader(http.StatusOK)
}
