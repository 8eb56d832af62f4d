package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	gochi "github.com/go-chi/chi/v5"
	"github.com/junioryono/modi"
)

// DefaultDSN is the DSN the demo database module is configured with.
const DefaultDSN = "postgres://localhost:5432/demo"

type User struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Database struct {
	DSN       string
	connected atomic.Bool
}

func NewDatabase(dsn string) *Database {
	return &Database{DSN: dsn}
}

func (db *Database) OnModuleInit(ctx context.Context) error {
	db.connected.Store(true)
	return nil
}

func (db *Database) OnApplicationShutdown(ctx context.Context, signal string) error {
	db.connected.Store(false)
	return nil
}

func (db *Database) Connected() bool {
	return db.connected.Load()
}

type UserRepository struct {
	db *Database

	mu    sync.RWMutex
	users []User
}

func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{
		db:    db,
		users: []User{{ID: 1, Name: "ada"}, {ID: 2, Name: "grace"}},
	}
}

func (r *UserRepository) All() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, len(r.users))
	copy(out, r.users)
	return out
}

// UserService and AuthService depend on each other; the container hands one
// of them a placeholder that is filled once both are built.
type UserService struct {
	Repo *UserRepository
	Auth *AuthService
}

func NewUserService(repo *UserRepository, auth *AuthService) *UserService {
	return &UserService{Repo: repo, Auth: auth}
}

func (s *UserService) List() []User {
	return s.Repo.All()
}

type AuthService struct {
	Users *UserService
}

func NewAuthService(users *UserService) *AuthService {
	return &AuthService{Users: users}
}

type UserController struct {
	Users *UserService
}

func NewUserController(users *UserService) *UserController {
	return &UserController{Users: users}
}

func (c *UserController) Routes(r gochi.Router) {
	r.Get("/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Users.List())
	})
}

type HealthController struct {
	DB *Database
}

func NewHealthController(db *Database) *HealthController {
	return &HealthController{DB: db}
}

func (c *HealthController) Routes(r gochi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !c.DB.Connected() {
			http.Error(w, "database disconnected", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
}

func databaseModule(dsn string) *modi.DynamicModule {
	return &modi.DynamicModule{
		Module: &modi.Module{
			Name:      "database",
			Providers: []*modi.Provider{modi.Class(NewDatabase, modi.Inject(modi.Named("DSN")))},
			Exports:   []modi.Token{modi.TypeOf[*Database]()},
		},
		Providers: []*modi.Provider{modi.Value(modi.Named("DSN"), dsn)},
		Exports:   []modi.Token{modi.Named("DSN")},
	}
}

// demoModule builds the demo application: users and auth import each other
// through forward references and both sit on a dynamic database module.
func demoModule(dsn string) *modi.Module {
	var users, auth *modi.Module
	db := databaseModule(dsn)

	users = &modi.Module{
		Name:        "users",
		Imports:     []modi.ModuleRef{db, modi.ForwardRef(func() modi.ModuleRef { return auth })},
		Providers:   []*modi.Provider{modi.Class(NewUserRepository), modi.Class(NewUserService)},
		Controllers: []*modi.Provider{modi.Class(NewUserController)},
		Exports:     []modi.Token{modi.TypeOf[*UserService]()},
	}
	auth = &modi.Module{
		Name:      "auth",
		Imports:   []modi.ModuleRef{modi.ForwardRef(func() modi.ModuleRef { return users })},
		Providers: []*modi.Provider{modi.Class(NewAuthService)},
		Exports:   []modi.Token{modi.TypeOf[*AuthService]()},
	}

	return &modi.Module{
		Name:        "app",
		Imports:     []modi.ModuleRef{db, users, auth},
		Controllers: []*modi.Provider{modi.Class(NewHealthController)},
	}
}
