package i18n

import (
	"net/http"
	"strings"
)

const DefaultLocale = "en"

var supportedLocales = map[string]struct{}{
	"en": {},
	"de": {},
}

func LocaleFromRequest(r *http.Request) string {
	if r == nil {
		return DefaultLocale
	}
	return NormalizeLocale(r.Header.Get("Accept-Language"))
}

// NormalizeLocale picks the first supported language from an Accept-Language
// header. Quality weights are ignored; browsers already order by preference.
func NormalizeLocale(header string) string {
	for _, part := range strings.Split(header, ",") {
		lang := part
		if idx := strings.Index(lang, ";"); idx >= 0 {
			lang = lang[:idx]
		}
		lang = strings.ToLower(strings.TrimSpace(lang))
		if idx := strings.Index(lang, "-"); idx >= 0 {
			lang = lang[:idx]
		}
		if _, ok := supportedLocales[lang]; ok {
			return lang
		}
	}
	return DefaultLocale
}
