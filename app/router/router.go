// Package router maps the HTTP surface onto the handlers.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stockroom/inventory-api/app/authentication"
	"github.com/stockroom/inventory-api/app/catalog"
	"github.com/stockroom/inventory-api/app/categories"
	"github.com/stockroom/inventory-api/app/middleware"
)

type Handlers struct {
	Catalog    *catalog.CatalogHandler
	Categories *categories.CategoryHandler
	Auth       *authentication.AuthHandler
	Tokens     middleware.TokenResolver
}

// New returns the service router. Everything except login, signup and the
// password reset endpoints requires a token.
func New(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Public
	r.Post("/authentication/login", h.Auth.HandleLogin)
	r.Post("/authentication/signup", h.Auth.HandleSignup)
	r.Post("/authentication/forgot-password", h.Auth.HandleForgotPassword)
	r.Post("/authentication/reset-password/{uid}/{token}", h.Auth.HandleResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(h.Tokens))

		r.Get("/authentication/testtoken", h.Auth.HandleTestToken)

		r.Get("/item-list/", h.Catalog.HandleList)
		r.Get("/item-detail/", h.Catalog.HandleGetItem)
		r.Post("/item-create/", h.Catalog.HandleCreate)
		r.Post("/item-update/", h.Catalog.HandleUpdate)
		r.Delete("/item-delete/", h.Catalog.HandleDelete)

		r.Get("/category-list/", h.Categories.HandleGetAll)
		r.Post("/category-create/", h.Categories.HandleCreate)
		r.Delete("/category-delete/", h.Categories.HandleDelete)
	})

	return r
}
