package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewCodedErrorResponse(message, code, hint string) ErrorResponse {
	return ErrorResponse{Error: message, Code: code, Hint: hint}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewCountResponse(count int64) CountResponse {
	return CountResponse{Count: count}
}

// NewItemsResponse never serialises a nil slice as null.
func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ItemsResponse[T]{Items: items}
}

func NewTokenResponse(accessToken, userID, role string) TokenResponse {
	return TokenResponse{AccessToken: accessToken, UserID: userID, Role: role}
}
