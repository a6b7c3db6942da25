// referral — реферальный код приглашения.
//
// Код приходит в ссылке вида <origin>/cadastro?ref=CODE, сохраняется в слот
// bf_referral_code и подставляется в тело регистрации, если пользователь
// не ввёл код сам. Выход из сессии слот не трогает.
package referral

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

// QueryParam — параметр ссылки с кодом.
const QueryParam = "ref"

var codeRe = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)

// Normalize приводит код к верхнему регистру; невалидный код даёт "".
func Normalize(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !codeRe.MatchString(c) {
		return ""
	}

	return c
}

// Save сохраняет код. Невалидный код не сохраняется (ok=false).
func Save(ctx context.Context, st storage.Store, code string) (bool, error) {
	const op = "referral.Save"

	c := Normalize(code)
	if c == "" {
		return false, nil
	}

	if err := st.Set(ctx, storage.SlotReferral, c); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// Capture извлекает ?ref= из URL и сохраняет код. Возвращает сохранённый код или "".
func Capture(ctx context.Context, st storage.Store, rawURL string) (string, error) {
	const op = "referral.Capture"

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	code := Normalize(u.Query().Get(QueryParam))
	if code == "" {
		return "", nil
	}

	if _, err := Save(ctx, st, code); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return code, nil
}

// Saved возвращает сохранённый код; недоступное хранилище или мусор в слоте дают "".
func Saved(ctx context.Context, st storage.Store) string {
	v, ok, err := st.Get(ctx, storage.SlotReferral)
	if err != nil || !ok {
		return ""
	}

	return Normalize(v)
}

// Clear удаляет сохранённый код.
func Clear(ctx context.Context, st storage.Store) error {
	const op = "referral.Clear"

	if err := st.Clear(ctx, storage.SlotReferral); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// InviteLink собирает ссылку приглашения. Невалидный код даёт ссылку без ref.
func InviteLink(origin, code string) string {
	base := strings.TrimRight(strings.TrimSpace(origin), "/")

	c := Normalize(code)
	if c == "" {
		return base + "/cadastro"
	}

	return base + "/cadastro?" + QueryParam + "=" + c
}
