package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

type loginRequest struct {
	Password string `json:"password" validate:"required"`
}

type changePasswordRequest struct {
	Current string `json:"current" validate:"required"`
	New     string `json:"new" validate:"required,min=8"`
}

type powerRequest struct {
	Action string `json:"action" validate:"required,oneof=shutdown reboot"`
}

type mediaActionRequest struct {
	Action string `json:"action" validate:"required,oneof=start stop restart"`
}
