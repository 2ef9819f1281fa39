package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/userstore"

	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	var he *echo.HTTPError
	var ve *event.ValidationError
	switch {
	case errors.As(err, &he):
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		errorMessage = ve.Error()
	}
	if code >= 500 {
		slog.Warn("warden-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "warden", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "warden"})
}

func (srv *Server) HandleJoin(c echo.Context) error {
	var join event.JoinEvent
	if err := c.Bind(&join); err != nil {
		return err
	}
	d, err := srv.engine.ProcessNewMember(c.Request().Context(), join)
	if err != nil {
		return err
	}
	return c.JSON(200, d)
}

func (srv *Server) HandleMessage(c echo.Context) error {
	var msg event.Message
	if err := c.Bind(&msg); err != nil {
		return err
	}
	d, err := srv.engine.ProcessMessage(c.Request().Context(), msg)
	if err != nil {
		return err
	}
	return c.JSON(200, d)
}

func (srv *Server) HandleCaptcha(c echo.Context) error {
	var resp event.CaptchaResponse
	if err := c.Bind(&resp); err != nil {
		return err
	}
	d, err := srv.engine.ProcessCaptchaResponse(c.Request().Context(), resp)
	if err != nil {
		return err
	}
	return c.JSON(200, d)
}

// Admin endpoints need a bearer token. With no token configured they are disabled entirely.
func (srv *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.adminToken == "" {
			return echo.NewHTTPError(http.StatusForbidden, "admin API disabled")
		}
		tok, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(srv.adminToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
		}
		return next(c)
	}
}

type ResetRequest struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

func (srv *Server) HandleReset(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	u, err := srv.engine.ResetUser(c.Request().Context(), req.ChatID, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(200, u)
}

type auditLister interface {
	ListAudit(ctx context.Context, chatID string, limit int) ([]event.AuditRecord, error)
}

func (srv *Server) HandleListAudit(c echo.Context) error {
	chatID := c.QueryParam("chat")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat parameter required")
	}
	limit := 100
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	lister, ok := srv.store.(auditLister)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "store does not support audit listing")
	}
	recs, err := lister.ListAudit(c.Request().Context(), chatID, limit)
	if err != nil {
		return err
	}
	return c.JSON(200, recs)
}

type statsReporter interface {
	Stats(ctx context.Context, chatID string) (userstore.Stats, error)
}

// Member counts for one chat, or all chats when the chat parameter is omitted.
func (srv *Server) HandleStats(c echo.Context) error {
	reporter, ok := srv.store.(statsReporter)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "store does not support member stats")
	}
	st, err := reporter.Stats(c.Request().Context(), c.QueryParam("chat"))
	if err != nil {
		return err
	}
	return c.JSON(200, st)
}
