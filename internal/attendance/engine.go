package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrTokenInvalid  = errors.New("attendance token invalid")
	ErrTokenExpired  = errors.New("attendance token expired")
	ErrRideNotActive = errors.New("no active ride session for route")
	ErrNotFound      = errors.New("roster not found")
)

const tokenVersion = 1

// Sessions resolves the driver currently serving a route.
type Sessions interface {
	ActiveByRoute(routeName string) (*models.RideSession, bool)
}

// tokenClaims is the signed token payload: route, version and the standard
// iat/exp window. HS256 over these is exactly the HMAC the scan recomputes,
// so validity needs no server-side registry.
type tokenClaims struct {
	RouteName string `json:"route_name"`
	Version   int    `json:"version"`
	jwt.StandardClaims
}

// Token is the issued artifact handed to riders for scanning.
type Token struct {
	Token     string    `json:"token"`
	RouteName string    `json:"route_name"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int       `json:"version"`
}

// Engine issues time-boxed route tokens and validates rider scans. One valid
// record per rider per active ride session; repeats are idempotent.
type Engine struct {
	secret   []byte
	ttl      time.Duration
	sessions Sessions
	store    storage.Store
	pub      gateway.Publisher
	logger   *slog.Logger
	recentN  int
	now      func() time.Time

	mu      sync.Mutex
	rosters map[string]*roster // keyed by ride_session_id
}

type roster struct {
	session *models.RideSession
	byRider map[string]models.AttendanceRecord
	order   []models.ScanSummary
}

func NewEngine(secret []byte, ttl time.Duration, sessions Sessions, store storage.Store, pub gateway.Publisher, logger *slog.Logger, recentN int) *Engine {
	return &Engine{
		secret:   secret,
		ttl:      ttl,
		sessions: sessions,
		store:    store,
		pub:      pub,
		logger:   logger,
		recentN:  recentN,
		now:      time.Now,
		rosters:  make(map[string]*roster),
	}
}

// IssueToken signs a fresh token for the route. Tokens are stateless; a
// leaked token stays valid until expiry, which is why the TTL is short.
func (e *Engine) IssueToken(routeName string) (Token, error) {
	issued := e.now()
	expires := issued.Add(e.ttl)
	claims := tokenClaims{
		RouteName: routeName,
		Version:   tokenVersion,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  issued.Unix(),
			ExpiresAt: expires.Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
	if err != nil {
		return Token{}, fmt.Errorf("signing attendance token: %w", err)
	}
	return Token{
		Token:     signed,
		RouteName: routeName,
		IssuedAt:  issued,
		ExpiresAt: expires,
		Version:   tokenVersion,
	}, nil
}

// verify recomputes the signature and checks the expiry window. Expiry is
// reported ahead of signature problems so a stale token is always
// ErrTokenExpired, never a vaguer failure.
func (e *Engine) verify(raw string) (tokenClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return tokenClaims{}, ErrTokenExpired
		}
		return tokenClaims{}, ErrTokenInvalid
	}
	if claims.RouteName == "" || claims.Version != tokenVersion {
		return tokenClaims{}, ErrTokenInvalid
	}
	return claims, nil
}

// Scan validates a rider's token against the route's active session. A second
// scan by the same rider in the same session returns the original record and
// leaves the roster count untouched.
func (e *Engine) Scan(ctx context.Context, riderID, rawToken, stopName string, loc *models.Coord) (models.AttendanceRecord, error) {
	claims, err := e.verify(rawToken)
	if err != nil {
		observability.AttendanceScans.WithLabelValues("rejected").Inc()
		return models.AttendanceRecord{}, err
	}

	sess, ok := e.sessions.ActiveByRoute(claims.RouteName)
	if !ok {
		observability.AttendanceScans.WithLabelValues("rejected").Inc()
		return models.AttendanceRecord{}, ErrRideNotActive
	}

	e.mu.Lock()
	r, ok := e.rosters[sess.ID]
	if !ok {
		r = &roster{session: sess, byRider: make(map[string]models.AttendanceRecord)}
		e.rosters[sess.ID] = r
	}
	if existing, ok := r.byRider[riderID]; ok {
		count := len(r.byRider)
		e.mu.Unlock()
		// Client retries are normal; repeat the roster broadcast so the
		// driver's count display converges even if the first push was missed.
		e.publishUpdate(sess, existing, count)
		observability.AttendanceScans.WithLabelValues("duplicate").Inc()
		return existing, nil
	}
	rec := models.AttendanceRecord{
		ID:            models.NewID(),
		RideSessionID: sess.ID,
		RiderID:       riderID,
		RouteName:     claims.RouteName,
		StopName:      stopName,
		ScannedAt:     e.now(),
		Location:      loc,
		Valid:         true,
	}
	r.byRider[riderID] = rec
	r.order = append(r.order, models.ScanSummary{RiderID: riderID, StopName: stopName, ScannedAt: rec.ScannedAt})
	count := len(r.byRider)
	e.mu.Unlock()

	if err := e.store.SaveAttendanceRecord(ctx, rec); err != nil {
		e.logger.Error("persisting attendance record failed", "record_id", rec.ID, "error", err)
	}

	e.publishUpdate(sess, rec, count)
	observability.AttendanceScans.WithLabelValues("accepted").Inc()
	return rec, nil
}

func (e *Engine) publishUpdate(sess *models.RideSession, rec models.AttendanceRecord, count int) {
	ev := gateway.NewEvent(models.EventAttendanceUpdate, models.AttendanceUpdate{
		RideSessionID: sess.ID,
		RouteName:     rec.RouteName,
		RiderID:       rec.RiderID,
		StopName:      rec.StopName,
		OnboardCount:  count,
		ScannedAt:     rec.ScannedAt,
	})
	e.pub.Publish(gateway.DriverChannel(sess.DriverID), ev)
	e.pub.Publish(gateway.ChannelAdmin, ev)
}

// Roster returns the live count and the most recent scans for an active ride
// session.
func (e *Engine) Roster(rideSessionID string) (models.RosterSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rosters[rideSessionID]
	if !ok {
		return models.RosterSnapshot{}, ErrNotFound
	}
	recent := r.order
	if len(recent) > e.recentN {
		recent = recent[len(recent)-e.recentN:]
	}
	out := make([]models.ScanSummary, len(recent))
	copy(out, recent)
	return models.RosterSnapshot{
		RideSessionID: rideSessionID,
		Count:         len(r.byRider),
		Recent:        out,
	}, nil
}

// CloseRoster discards the live roster when the session ends. The durable
// attendance records already live in the store.
func (e *Engine) CloseRoster(rideSessionID string) {
	e.mu.Lock()
	delete(e.rosters, rideSessionID)
	e.mu.Unlock()
}
