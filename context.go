package envelope

import "context"

type languageKey struct{}

// WithLanguage returns a context carrying the active language for the
// work scope. Job workers set it from the message meta before running.
func WithLanguage(ctx context.Context, language string) context.Context {
	if language == "" {
		return ctx
	}
	return context.WithValue(ctx, languageKey{}, language)
}

// LanguageFrom returns the active language, or "" when none was set.
func LanguageFrom(ctx context.Context) string {
	lang, _ := ctx.Value(languageKey{}).(string)
	return lang
}
