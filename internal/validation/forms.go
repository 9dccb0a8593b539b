package validation

import (
	"net/http"
	"strings"
)

// LoginForm is the submitted login form
type LoginForm struct {
	Username string `form:"username" validate:"required,max=255"`
	Password string `form:"password" validate:"required,max=1024"`
	Remember bool   `form:"remember"`
}

// ChangePasswordForm is the submitted change password form
type ChangePasswordForm struct {
	CurrentPassword string `form:"current_password" validate:"required"`
	NewPassword     string `form:"new_password" validate:"required,max=1024,password"`
	ConfirmPassword string `form:"confirm_password" validate:"required,eqfield=NewPassword"`
}

// UserForm describes a user account to create
type UserForm struct {
	Username    string `form:"username" validate:"required,username"`
	Email       string `form:"email" validate:"required,email,max=255"`
	Password    string `form:"password" validate:"required,max=1024,password"`
	DisplayName string `form:"display_name" validate:"max=100"`
	Role        string `form:"role" validate:"required,oneof=admin manager user"`
}

// ParseLoginForm reads a LoginForm from the request body
func ParseLoginForm(r *http.Request) LoginForm {
	return LoginForm{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
		Remember: checked(r.PostFormValue("remember")),
	}
}

// ParseChangePasswordForm reads a ChangePasswordForm from the request body
func ParseChangePasswordForm(r *http.Request) ChangePasswordForm {
	return ChangePasswordForm{
		CurrentPassword: r.PostFormValue("current_password"),
		NewPassword:     r.PostFormValue("new_password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}
}

func checked(v string) bool {
	switch strings.ToLower(v) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}
