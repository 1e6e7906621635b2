package util

import (
	"strings"

	"github.com/spf13/viper"
)

// SetKeyValue sets a config value from a prefixed environment
// variable. The prefix up to the first underscore is dropped, the
// rest is lowercased and double underscores become dots, so
// SJ_DATABASE__HOST maps to database.host and SJ_SECRET_KEY to
// secret_key.
func SetKeyValue(vi *viper.Viper, ev string, v interface{}) {
	uc := strings.IndexRune(ev, '_')
	if uc == -1 || uc == len(ev)-1 {
		return
	}
	k := strings.ToLower(ev[(uc + 1):])
	k = strings.ReplaceAll(k, "__", ".")
	vi.Set(k, v)
}
