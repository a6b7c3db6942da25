package models

// User — профиль пользователя в том виде, в каком его отдаёт API
// и кэширует клиент в слоте betforbes_user.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
	IsPremium bool   `json:"isPremium"`
	IsAdmin   bool   `json:"isAdmin"`
}

// Clone возвращает независимую копию (nil-safe).
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	return &c
}
