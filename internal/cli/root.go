// cli — команды sessionctl поверх собранного app.App.
//
// Каждая команда открывает хранилище из конфигурации, восстанавливает сессию
// (если ей нужен токен) и закрывает ресурсы по завершении. Вывод идёт в
// cmd.OutOrStdout(), логи — в cmd.ErrOrStderr().
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/app"
	"github.com/pribylovaa/betforbes-session/internal/config"
	"github.com/pribylovaa/betforbes-session/internal/session"
)

// env — общее состояние команд одного запуска.
type env struct {
	configPath string
	registry   *prometheus.Registry
}

// NewRootCmd строит дерево команд sessionctl.
func NewRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Session manager for the BetForBes API",
		Long: `sessionctl keeps a BetForBes login session in a shared store:
it logs in and out, restores and renews tokens, performs authorized calls
with transparent refresh-on-401 and follows changes made by other processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&e.configPath, "config", "", "path to config file")

	root.AddCommand(
		newLoginCmd(e),
		newRegisterCmd(e),
		newLogoutCmd(e),
		newWhoamiCmd(e),
		newCallCmd(e),
		newProbeCmd(e),
		newReferralCmd(e),
		newAgentCmd(e),
	)

	return root
}

// ExecuteContext запускает sessionctl с аргументами процесса.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// open загружает конфигурацию и собирает приложение.
func (e *env) open(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}

	e.registry = prometheus.NewRegistry()

	return app.New(ctx, cfg, app.Options{
		Logger:     app.SetupLogger(cfg.Env, cmd.ErrOrStderr()),
		Registerer: e.registry,
	})
}

// run открывает приложение, выполняет fn и закрывает ресурсы.
func (e *env) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := e.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Log.Warn("app_close_failed", slog.String("err", cerr.Error()))
		}
	}()

	return fn(ctx, a)
}

var errNotLoggedIn = errors.New("not logged in")

// userError оставляет от ошибки менеджера или API-клиента сообщение для пользователя.
func userError(err error) error {
	var se *session.Error
	if errors.As(err, &se) && se.Message != "" {
		return errors.New(se.Message)
	}

	var ae *api.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return errors.New(ae.Message)
	}

	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}
