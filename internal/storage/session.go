package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pribylovaa/betforbes-session/internal/models"
)

// SaveTokens записывает пару токенов. Пустой refresh-токен не затирает сохранённый.
func SaveTokens(ctx context.Context, st Store, pair models.TokenPair) error {
	const op = "storage.SaveTokens"

	if err := st.Set(ctx, SlotAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if pair.RefreshToken == "" {
		return nil
	}

	if err := st.Set(ctx, SlotRefreshToken, pair.RefreshToken); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// LoadTokens читает пару токенов; отсутствующие слоты дают пустые строки.
func LoadTokens(ctx context.Context, st Store) (models.TokenPair, error) {
	const op = "storage.LoadTokens"

	access, _, err := st.Get(ctx, SlotAccessToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refresh, _, err := st.Get(ctx, SlotRefreshToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// SaveUser сериализует профиль в слот betforbes_user.
func SaveUser(ctx context.Context, st Store, u *models.User) error {
	const op = "storage.SaveUser"

	if u == nil {
		return st.Clear(ctx, SlotUser)
	}

	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := st.Set(ctx, SlotUser, string(raw)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// LoadUser читает кэшированный профиль. Битый JSON трактуется как отсутствие профиля.
func LoadUser(ctx context.Context, st Store) (*models.User, error) {
	const op = "storage.LoadUser"

	raw, ok, err := st.Get(ctx, SlotUser)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	return DecodeUser(raw), nil
}

// DecodeUser разбирает JSON профиля; nil при ошибке или пустом id/email.
func DecodeUser(raw string) *models.User {
	var u models.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil
	}

	if u.ID == "" && u.Email == "" {
		return nil
	}

	return &u
}
