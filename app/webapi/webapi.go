// Package webapi provides a web API classification service: train, classify, categories and policy management.
package webapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/classy/app/decisions"
	"github.com/umputun/classy/lib/classy"
)

// Server is a web API server
type Server struct {
	Config
	cache      cache.Cache[string, classy.Decision]
	policyLock sync.Mutex

	cacheLock sync.Mutex // guards cacheGen check with cache set, and cacheGen bump with purge
	cacheGen  uint64     // incremented on every purge
}

// Config defines server parameters
type Config struct {
	Version    string            // version to show in /ping
	ListenAddr string            // listen address
	Classifier classy.Classifier // classifier to train and classify with
	Counter    classy.Counter    // counter used by the classifier, for categories report
	PolicyFile string            // policy file to save updated policy to, optional
	Decisions  *decisions.Log    // decision log, optional
	AuthUser   string            // basic auth user, "classy" if empty
	AuthPasswd string            // basic auth password, no auth if empty
	RateLimit  float64           // max requests per second per client ip, 0 to disable
	CacheTTL   time.Duration     // ttl of cached classifications, 0 to disable caching
	CacheSize  int               // max number of cached classifications
	Dbg        bool              // debug mode, logs requests
}

// TrainRequest is a body of POST /train
type TrainRequest struct {
	Item     string `json:"item"`
	Category string `json:"category"`
}

// ClassifyRequest is a body of POST /classify
type ClassifyRequest struct {
	Item    string `json:"item"`
	Default string `json:"default"`
}

// ClassifyResponse is a response of POST /classify
type ClassifyResponse struct {
	Category string         `json:"category"`
	Matched  bool           `json:"matched"`
	Scores   []classy.Score `json:"scores"`
}

// NewServer creates a new web API server
func NewServer(config Config) *Server {
	if config.AuthUser == "" {
		config.AuthUser = "classy"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	res := &Server{Config: config}
	if config.CacheTTL > 0 {
		res.cache = cache.NewCache[string, classy.Decision]().WithMaxKeys(config.CacheSize).WithTTL(config.CacheTTL)
	}
	return res
}

// Run starts server and accepts requests
func (s *Server) Run(ctx context.Context) error {
	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	srv := &http.Server{Addr: s.ListenAddr, Handler: s.routes(http.NewServeMux()),
		ReadHeaderTimeout: 5 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) routes(mux *http.ServeMux) http.Handler {
	router := routegroup.New(mux)
	router.Use(rest.Recoverer(lgr.Default()), rest.Throttle(1000))
	router.Use(rest.AppInfo("classy", "umputun", s.Version), rest.Ping)
	if s.RateLimit > 0 {
		lmt := tollbooth.NewLimiter(s.RateLimit, nil)
		lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
		lmt.SetMessageContentType("application/json; charset=utf-8")
		lmt.SetMessage(`{"error": "too many requests"}`)
		router.Use(tollbooth.HTTPMiddleware(lmt))
	}
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size
	if s.Dbg {
		router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]"), logger.WithBody).Handler)
	}
	router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		rest.RenderJSON(w, rest.JSON{"error": "not found"})
	})

	router.Group().Route(func(api *routegroup.Bundle) {
		api.Use(s.authMiddleware(rest.BasicAuthWithUserPasswd(s.AuthUser, s.AuthPasswd)))
		api.HandleFunc("POST /train", s.trainHandler)          // train an item with category
		api.HandleFunc("POST /classify", s.classifyHandler)    // classify an item
		api.HandleFunc("GET /categories", s.categoriesHandler) // get categories with counts
		api.HandleFunc("GET /policy", s.getPolicyHandler)      // get current thresholds and minimums
		api.HandleFunc("PUT /policy", s.updatePolicyHandler)   // replace thresholds and minimums
	})
	return router
}

// trainHandler handles POST /train request, it trains the classifier with item and category from the body
func (s *Server) trainHandler(w http.ResponseWriter, r *http.Request) {
	req := TrainRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		log.Printf("[WARN] can't decode train request: %v", err)
		return
	}

	if err := s.Classifier.Train(r.Context(), req.Item, req.Category); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, classy.ErrEmptyCategory) {
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
		rest.RenderJSON(w, rest.JSON{"error": "can't train", "details": err.Error()})
		log.Printf("[WARN] can't train %q as %q: %v", req.Item, req.Category, err)
		return
	}
	s.purgeCache()
	log.Printf("[DEBUG] trained %q as %q", req.Item, req.Category)
	rest.RenderJSON(w, rest.JSON{"trained": true, "category": req.Category})
}

// classifyHandler handles POST /classify request, returns decided category (or default), match flag and scores
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	req := ClassifyRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		log.Printf("[WARN] can't decode classify request: %v", err)
		return
	}

	d, err := s.decide(r.Context(), req.Item)
	if err != nil && !errors.Is(err, classy.ErrInsufficientData) {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't classify", "details": err.Error()})
		log.Printf("[WARN] can't classify %q: %v", req.Item, err)
		return
	}

	resp := ClassifyResponse{Category: req.Default, Matched: d.Matched, Scores: d.Scores}
	if d.Matched {
		resp.Category = d.Category
	}
	if resp.Scores == nil {
		resp.Scores = []classy.Score{}
	}
	s.Decisions.Write("api", req.Item, resp.Category, d)
	rest.RenderJSON(w, resp)
}

// decide returns cached decision for the item or asks the classifier
func (s *Server) decide(ctx context.Context, item string) (classy.Decision, error) {
	if s.cache == nil {
		return s.Classifier.Decide(ctx, item)
	}
	key := cacheKey(item)
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}
	s.cacheLock.Lock()
	gen := s.cacheGen
	s.cacheLock.Unlock()

	d, err := s.Classifier.Decide(ctx, item)
	if err != nil {
		return d, err
	}

	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	if gen == s.cacheGen { // not purged while deciding
		s.cache.Set(key, d, 0)
	}
	return d, nil
}

// purgeCache drops all cached decisions, called on any change affecting them
func (s *Server) purgeCache() {
	if s.cache == nil {
		return
	}
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	s.cacheGen++
	s.cache.Purge()
}

// categoriesHandler handles GET /categories request, returns categories in registration order with counts
func (s *Server) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	type categoryInfo struct {
		Category string `json:"category"`
		Count    int    `json:"count"`
	}

	cats, err := s.Counter.Categories(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get categories", "details": err.Error()})
		return
	}
	res := make([]categoryInfo, 0, len(cats))
	for _, c := range cats {
		count, err := s.Counter.CategoryCount(r.Context(), c)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "can't get category count", "details": err.Error()})
			return
		}
		res = append(res, categoryInfo{Category: c, Count: count})
	}
	total, err := s.Counter.TotalCount(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get total count", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"categories": res, "total": total})
}

func (s *Server) authMiddleware(mw func(next http.Handler) http.Handler) func(next http.Handler) http.Handler {
	if s.AuthPasswd == "" {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return func(next http.Handler) http.Handler {
		return mw(next)
	}
}

func cacheKey(item string) string {
	h := sha256.Sum256([]byte(item))
	return hex.EncodeToString(h[:])
}

// GenerateRandomPassword generates a random password of a given length
func GenerateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+"

	var password []byte
	charsetLen := big.NewInt(int64(len(charset)))
	for i := 0; i < length; i++ {
		randomIndex, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", err
		}
		password = append(password, charset[randomIndex.Int64()])
	}
	return string(password), nil
}
