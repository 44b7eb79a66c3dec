package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/metadata"
	"github.com/xgpxg/fskb/pkg/rpc"
)

func (s *Server) getProfile(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.UserProfile, error) {
		return s.deps.Metadata.GetUserProfile(c.Request().Context())
	}))
}

func (s *Server) saveProfile(c echo.Context) error {
	return c.JSON(http.StatusOK, rpc.Wrap(func() (*metadata.UserProfile, error) {
		var p metadata.UserProfile
		if err := c.Bind(&p); err != nil {
			return nil, apperror.Message("invalid request body")
		}
		if err := s.deps.Metadata.SaveUserProfile(c.Request().Context(), &p); err != nil {
			return nil, err
		}
		return &p, nil
	}))
}
