// Package devserver exposes the in-memory directory over HTTP, so the SDK's
// HTTP client can be exercised end to end without a production key server.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/httpx"
	"e2ee-sdk/internal/jwtsigner"
)

// BearerTTL is the validity of device bearer tokens issued at registration.
const BearerTTL = 24 * time.Hour

// Server routes directory API calls to a directory.Client, authenticated
// with Ed25519 JWTs from the configured signer.
type Server struct {
	dir    directory.Client
	signer *jwtsigner.Signer
	log    *slog.Logger
}

func New(dir directory.Client, signer *jwtsigner.Signer, log *slog.Logger) *Server {
	return &Server{dir: dir, signer: signer, log: log}
}

// Router builds the full route tree. Everything under /api/v1 except account
// creation requires a bearer token with the api scope.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httpx.RequestID)
	r.Use(httpx.LogRequests(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]any{"keys": []any{s.signer.PublicJWK()}})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", s.createAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.requireBearer)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Post("/devices", s.addDevice)
				r.Get("/devices", s.userDevices)
				r.Put("/devices/{deviceID}", s.renewDevice)
				r.Get("/missing-keys", s.devicesMissingKeys)
				r.Get("/connectors", s.connectorsForUser)
			})

			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Get("/", s.device)
				r.Get("/provisioning", s.provisioningStatus)
				r.Get("/missing-sessions", s.missingKeySessions)
				r.Post("/keys", s.pushWrappedKeys)
			})

			r.Post("/recipients/resolve", s.resolveRecipients)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.createSession)
				r.Get("/{sessionID}", s.fetchSession)
				r.Post("/{sessionID}/recipients", s.addSessionRecipients)
				r.Post("/{sessionID}/revoke", s.revokeSessionRecipients)
			})

			r.Route("/groups", func(r chi.Router) {
				r.Post("/", s.createGroup)
				r.Get("/{groupID}", s.group)
				r.Post("/{groupID}/members", s.addGroupMembers)
				r.Post("/{groupID}/members/remove", s.removeGroupMembers)
				r.Post("/{groupID}/renew", s.renewGroupKey)
				r.Post("/{groupID}/admins", s.setGroupAdmins)
				r.Get("/{groupID}/sessions", s.groupSessions)
			})

			r.Route("/connectors", func(r chi.Router) {
				r.Post("/", s.addConnector)
				r.Post("/resolve", s.resolveConnectors)
				r.Get("/{connectorID}", s.retrieveConnector)
				r.Post("/{connectorID}/validate", s.validateConnector)
				r.Delete("/{connectorID}", s.removeConnector)
			})

			r.Post("/jwt", s.pushJWT)
			r.Get("/heartbeat", s.heartbeat)
		})
	})
	return r
}

type callerKey struct{}

type caller struct {
	UserID   string
	DeviceID string
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			httpx.Error(w, http.StatusUnauthorized, directory.CodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.signer.Verify(h[len(prefix):], "api")
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, directory.CodeUnauthorized, "invalid bearer token")
			return
		}
		sub, _ := claims["sub"].(string)
		deviceID, _ := claims["device_id"].(string)
		ctx := context.WithValue(r.Context(), callerKey{}, caller{UserID: sub, DeviceID: deviceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := directory.WireError(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, domain.ErrTransient) {
		s.log.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", httpx.RequestIDFrom(r.Context()))
	}
	httpx.Error(w, status, code, err.Error())
}

// Accounts and devices

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req directory.CreateAccountRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	if _, err := s.signer.Verify(req.SignupJWT, "signup"); err != nil {
		httpx.Error(w, http.StatusUnauthorized, directory.CodeUnauthorized, "invalid signup token")
		return
	}
	if err := s.dir.CreateAccount(r.Context(), req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	token, err := s.signer.BearerToken(req.UserID, req.Device.DeviceID, BearerTTL)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, directory.CreateAccountResponse{BearerToken: token})
}

func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req directory.DeviceRegistration
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	if err := s.dir.AddDevice(r.Context(), userID, req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	token, err := s.signer.BearerToken(userID, req.DeviceID, BearerTTL)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, directory.AddDeviceResponse{BearerToken: token})
}

func (s *Server) renewDevice(w http.ResponseWriter, r *http.Request) {
	var req directory.RenewDeviceRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.RenewDevice(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "deviceID"), req.Pub, req.ExpiresAt)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	info, err := s.dir.Device(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (s *Server) provisioningStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.dir.ProvisioningStatus(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, directory.ProvisioningStatusResponse{Provisioned: ok})
}

func (s *Server) userDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.dir.UserDevices(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, devices)
}

// Recipients and sessions

func (s *Server) resolveRecipients(w http.ResponseWriter, r *http.Request) {
	var req directory.ResolveRecipientsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	recipients, err := s.dir.RecipientKeys(r.Context(), req.IDs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recipients)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req directory.CreateSessionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	req.OwnerUserID = callerFrom(r.Context()).UserID
	if err := s.dir.CreateSession(r.Context(), req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, nil)
}

func (s *Server) fetchSession(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	access, err := s.dir.FetchSession(r.Context(), chi.URLParam(r, "sessionID"), c.UserID, c.DeviceID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, access)
}

func (s *Server) addSessionRecipients(w http.ResponseWriter, r *http.Request) {
	var req directory.SessionKeysRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.AddSessionRecipients(r.Context(), chi.URLParam(r, "sessionID"), callerFrom(r.Context()).UserID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) revokeSessionRecipients(w http.ResponseWriter, r *http.Request) {
	var req directory.RevokeRecipientsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.RevokeSessionRecipients(r.Context(), chi.URLParam(r, "sessionID"), callerFrom(r.Context()).UserID, req.Recipients)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

// Groups

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req directory.CreateGroupRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	req.CreatedBy = callerFrom(r.Context()).UserID
	if err := s.dir.CreateGroup(r.Context(), req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, nil)
}

func (s *Server) group(w http.ResponseWriter, r *http.Request) {
	info, err := s.dir.Group(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).DeviceID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (s *Server) addGroupMembers(w http.ResponseWriter, r *http.Request) {
	var req directory.AddGroupMembersRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.AddGroupMembers(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).UserID,
		req.MembersToAdd, req.AdminsToSet, req.WrappedPriv)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) removeGroupMembers(w http.ResponseWriter, r *http.Request) {
	var req directory.RemoveGroupMembersRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.RemoveGroupMembers(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).UserID, req.MembersToRemove)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) renewGroupKey(w http.ResponseWriter, r *http.Request) {
	var bundle directory.RenewGroupKeyBundle
	if err := httpx.Decode(r, &bundle); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.RenewGroupKey(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).UserID, bundle)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) setGroupAdmins(w http.ResponseWriter, r *http.Request) {
	var req directory.SetGroupAdminsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	err := s.dir.SetGroupAdmins(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).UserID,
		req.AddToAdmins, req.RemoveFromAdmins)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) groupSessions(w http.ResponseWriter, r *http.Request) {
	keys, err := s.dir.GroupSessions(r.Context(), chi.URLParam(r, "groupID"), callerFrom(r.Context()).UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, keys)
}

// Reencryption

func (s *Server) devicesMissingKeys(w http.ResponseWriter, r *http.Request) {
	missing, err := s.dir.DevicesMissingKeys(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, missing)
}

func (s *Server) missingKeySessions(w http.ResponseWriter, r *http.Request) {
	batch, err := strconv.Atoi(r.URL.Query().Get("batch"))
	if err != nil || batch <= 0 {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid batch size")
		return
	}
	sessions, err := s.dir.MissingKeySessions(r.Context(), callerFrom(r.Context()).DeviceID, chi.URLParam(r, "deviceID"), batch)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessions)
}

func (s *Server) pushWrappedKeys(w http.ResponseWriter, r *http.Request) {
	var req directory.PushWrappedKeysRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	if err := s.dir.PushWrappedKeys(r.Context(), chi.URLParam(r, "deviceID"), req.Keys); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

// Connectors

func (s *Server) resolveConnectors(w http.ResponseWriter, r *http.Request) {
	var req directory.ResolveConnectorsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	resolved, err := s.dir.ResolveConnectors(r.Context(), req.Pairs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resolved)
}

func (s *Server) addConnector(w http.ResponseWriter, r *http.Request) {
	var req directory.AddConnectorRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	conn, err := s.dir.AddConnector(r.Context(), callerFrom(r.Context()).UserID, req.Type, req.Value, req.Token)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, conn)
}

func (s *Server) validateConnector(w http.ResponseWriter, r *http.Request) {
	var req directory.ValidateConnectorRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	conn, err := s.dir.ValidateConnector(r.Context(), chi.URLParam(r, "connectorID"), req.Challenge)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (s *Server) removeConnector(w http.ResponseWriter, r *http.Request) {
	conn, err := s.dir.RemoveConnector(r.Context(), chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (s *Server) retrieveConnector(w http.ResponseWriter, r *http.Request) {
	conn, err := s.dir.RetrieveConnector(r.Context(), chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (s *Server) connectorsForUser(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	var (
		conns []domain.Connector
		err   error
	)
	if userID == c.UserID {
		conns, err = s.dir.ListConnectors(r.Context(), userID)
	} else {
		conns, err = s.dir.ConnectorsForUser(r.Context(), userID)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conns)
}

// Misc

func (s *Server) pushJWT(w http.ResponseWriter, r *http.Request) {
	var req directory.PushJWTRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, directory.CodeBadRequest, "invalid body")
		return
	}
	if err := s.dir.PushJWT(r.Context(), req.Token); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Heartbeat(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nil)
}
