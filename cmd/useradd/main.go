// Command useradd creates a user account. Passwords are checked against the
// same strength rules as the change password form and stored as bcrypt hashes.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/config"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/validation"
)

func main() {
	log := logger.New(logger.DefaultConfig())

	var form validation.UserForm
	flag.StringVar(&form.Username, "username", "", "Login name (3-50 of A-Z a-z 0-9 . _ -)")
	flag.StringVar(&form.Email, "email", "", "Email address")
	flag.StringVar(&form.Password, "password", "", "Password (read from stdin when empty)")
	flag.StringVar(&form.DisplayName, "name", "", "Display name")
	flag.StringVar(&form.Role, "role", string(repository.RoleUser), "Role: admin, manager or user")
	flag.Parse()

	if err := run(log, form); err != nil {
		log.Error("Failed to create user", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger, form validation.UserForm) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	form.Username = strings.TrimSpace(form.Username)
	form.Email = strings.ToLower(strings.TrimSpace(form.Email))
	if form.Password == "" {
		if form.Password, err = readPassword(); err != nil {
			return err
		}
	}

	bundle, err := i18n.NewBundle(i18n.English)
	if err != nil {
		return err
	}
	if errs := validation.Struct(form, bundle.Localizer(i18n.English)); errs != nil {
		return invalid(errs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	users := repository.NewUserRepository(pool)
	exists, err := users.Exists(ctx, form.Username, form.Email)
	if err != nil {
		return fmt.Errorf("check existing users: %w", err)
	}
	if exists {
		return repository.ErrUserExists
	}

	hash, err := auth.NewPasswordHasher(cfg.Auth.BcryptCost).Hash(form.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &repository.User{
		Username:     form.Username,
		Email:        form.Email,
		PasswordHash: hash,
		DisplayName:  form.DisplayName,
		Role:         repository.Role(form.Role),
		IsActive:     true,
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	if err := users.Create(ctx, user); err != nil {
		return err
	}

	log.Info("User created",
		slog.String("user_id", user.ID.String()),
		slog.String("username", user.Username),
		slog.String("role", string(user.Role)),
	)
	return nil
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func invalid(errs validation.Errors) error {
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	msgs := make([]string, 0, len(fields))
	for _, field := range fields {
		msgs = append(msgs, field+": "+strings.Join(errs[field], "; "))
	}
	return errors.New("invalid user: " + strings.Join(msgs, ", "))
}
