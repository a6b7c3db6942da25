package models

// TokenPair — пара токенов, выдаваемая при входе/регистрации/обновлении.
//
// Описание:
//   - AccessToken — короткоживущий JWT, прикладывается к запросам как Bearer;
//   - RefreshToken — долгоживущий секрет, предъявляется только на /auth/refresh.
//
// RefreshToken без AccessToken — допустимое состояние (нужен refresh);
// AccessToken без RefreshToken валиден лишь до истечения срока.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Empty сообщает, что в паре нет ни одного токена.
func (p TokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// AuthResult — нормализованный ответ auth-эндпойнтов после разбора формы ответа.
type AuthResult struct {
	Success bool
	Message string
	User    *User
	// Tokens == nil, если сервер не выдал access-токен (например, нужна верификация e-mail).
	Tokens *TokenPair
}
