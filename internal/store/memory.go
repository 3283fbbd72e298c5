package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type memExternalKey struct {
	provider AuthProvider
	extID    string
}

type memLTIKey struct {
	consumerID int64
	contextID  string
}

type memRoleKey struct {
	userID  int64
	classID int64
}

// MemDB is an in-process store guarded by a single mutex. Intended for tests
// and local development.
type MemDB struct {
	mu sync.Mutex

	users      map[int64]*User
	localAuth  map[string]*LocalAuth
	external   map[memExternalKey]int64
	consumers  map[int64]*Consumer
	classes    map[int64]*Class
	ltiClasses map[memLTIKey]int64
	roles      map[int64]*Role
	roleIndex  map[memRoleKey]int64
	seq        int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:      map[int64]*User{},
		localAuth:  map[string]*LocalAuth{},
		external:   map[memExternalKey]int64{},
		consumers:  map[int64]*Consumer{},
		classes:    map[int64]*Class{},
		ltiClasses: map[memLTIKey]int64{},
		roles:      map[int64]*Role{},
		roleIndex:  map[memRoleKey]int64{},
		seq:        1,
	}
}

func (m *MemDB) Init(ctx context.Context) error { return ctx.Err() }
func (m *MemDB) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemDB) Close() error                   { return nil }

func (m *MemDB) nextID() int64 {
	id := m.seq
	m.seq++
	return id
}

func copyUser(u *User) *User {
	c := *u
	if u.LastClassID != nil {
		id := *u.LastClassID
		c.LastClassID = &id
	}
	return &c
}

func (m *MemDB) GetUser(ctx context.Context, userID int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

func (m *MemDB) GetLocalAuth(ctx context.Context, username string) (*LocalAuth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.localAuth[username]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (m *MemDB) CreateLocalUser(ctx context.Context, in NewLocalUser) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Username) == "" || in.PasswordHash == "" || in.QueryTokens < 0 {
		return nil, fmt.Errorf("%w: username, password hash and non-negative tokens are required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.localAuth[in.Username]; ok {
		return nil, fmt.Errorf("%w: username %q exists", ErrConflict, in.Username)
	}
	u := &User{
		ID:           m.nextID(),
		AuthProvider: ProviderLocal,
		AuthName:     in.Username,
		QueryTokens:  in.QueryTokens,
		IsAdmin:      in.IsAdmin,
		IsTester:     in.IsTester,
	}
	m.users[u.ID] = u
	m.localAuth[in.Username] = &LocalAuth{UserID: u.ID, Username: in.Username, PasswordHash: in.PasswordHash}
	return copyUser(u), nil
}

func (m *MemDB) SetLocalPassword(ctx context.Context, username, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.localAuth[username]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

func (m *MemDB) UpsertExternalUser(ctx context.Context, in ExternalUser) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validProvider(in.Provider) || in.Provider == ProviderLocal || in.ExtID == "" || in.QueryTokens < 0 {
		return nil, fmt.Errorf("%w: external provider and ext id are required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memExternalKey{provider: in.Provider, extID: in.ExtID}
	if id, ok := m.external[key]; ok {
		u := m.users[id]
		u.FullName = in.FullName
		u.Email = in.Email
		u.AuthName = in.AuthName
		return copyUser(u), nil
	}
	u := &User{
		ID:           m.nextID(),
		AuthProvider: in.Provider,
		AuthName:     in.AuthName,
		FullName:     in.FullName,
		Email:        in.Email,
		QueryTokens:  in.QueryTokens,
	}
	m.users[u.ID] = u
	m.external[key] = u.ID
	return copyUser(u), nil
}

func (m *MemDB) SetLastClass(ctx context.Context, userID, classID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastClassID = &classID
	return nil
}

func (m *MemDB) ConsumeQueryToken(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.QueryTokens <= 0 {
		return false, nil
	}
	u.QueryTokens--
	return true, nil
}

func (m *MemDB) AddQueryTokens(ctx context.Context, userID int64, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: token count must be positive", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.QueryTokens += n
	return nil
}

func (m *MemDB) CreateConsumer(ctx context.Context, key, secret, openAIKey string) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: consumer key is required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c.Key == key {
			return nil, fmt.Errorf("%w: consumer %q exists", ErrConflict, key)
		}
	}
	c := &Consumer{ID: m.nextID(), Key: key, Secret: secret, OpenAIKey: openAIKey}
	m.consumers[c.ID] = c
	out := *c
	return &out, nil
}

func (m *MemDB) GetConsumer(ctx context.Context, consumerID int64) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[consumerID]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) GetConsumerByKey(ctx context.Context, key string) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c.Key == key {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemDB) SetConsumerOpenAIKey(ctx context.Context, consumerID int64, openAIKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[consumerID]
	if !ok {
		return ErrNotFound
	}
	c.OpenAIKey = openAIKey
	return nil
}

func (m *MemDB) GetClass(ctx context.Context, classID int64) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.classes[classID]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (m *MemDB) GetClassByLink(ctx context.Context, linkIdent string) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.classes {
		if c.Kind == ClassUser && c.LinkIdent == linkIdent {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemDB) FindOrCreateLTIClass(ctx context.Context, consumerID int64, contextID, name string) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contextID == "" || name == "" {
		return nil, fmt.Errorf("%w: context id and name are required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[consumerID]; !ok {
		return nil, fmt.Errorf("%w: consumer %d does not exist", ErrInvalid, consumerID)
	}
	key := memLTIKey{consumerID: consumerID, contextID: contextID}
	if id, ok := m.ltiClasses[key]; ok {
		out := *m.classes[id]
		return &out, nil
	}
	c := &Class{
		ID:         m.nextID(),
		Name:       name,
		Enabled:    true,
		Kind:       ClassLTI,
		ConsumerID: consumerID,
		ContextID:  contextID,
	}
	m.classes[c.ID] = c
	m.ltiClasses[key] = c.ID
	out := *c
	return &out, nil
}

func (m *MemDB) CreateUserClass(ctx context.Context, in NewUserClass) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" || in.LinkIdent == "" {
		return nil, fmt.Errorf("%w: class name and link are required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.classes {
		if c.Kind == ClassUser && c.LinkIdent == in.LinkIdent {
			return nil, fmt.Errorf("%w: link %q exists", ErrConflict, in.LinkIdent)
		}
	}
	expires := in.LinkRegExpires
	if expires == "" {
		expires = LinkDisabled
	}
	c := &Class{
		ID:             m.nextID(),
		Name:           in.Name,
		Enabled:        true,
		Kind:           ClassUser,
		CreatorUserID:  in.CreatorUserID,
		OpenAIKey:      in.OpenAIKey,
		LinkIdent:      in.LinkIdent,
		LinkRegExpires: expires,
		ModelID:        in.ModelID,
	}
	m.classes[c.ID] = c
	out := *c
	return &out, nil
}

func (m *MemDB) SetClassEnabled(ctx context.Context, classID int64, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes[classID]
	if !ok {
		return ErrNotFound
	}
	c.Enabled = enabled
	return nil
}

func (m *MemDB) userClass(classID int64) (*Class, error) {
	c, ok := m.classes[classID]
	if !ok || c.Kind != ClassUser {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *MemDB) SetClassOpenAIKey(ctx context.Context, classID int64, openAIKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.userClass(classID)
	if err != nil {
		return err
	}
	c.OpenAIKey = openAIKey
	return nil
}

func (m *MemDB) SetClassLinkExpiry(ctx context.Context, classID int64, expires string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.userClass(classID)
	if err != nil {
		return err
	}
	c.LinkRegExpires = expires
	return nil
}

func (m *MemDB) SetClassModel(ctx context.Context, classID int64, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.userClass(classID)
	if err != nil {
		return err
	}
	c.ModelID = modelID
	return nil
}

func (m *MemDB) roleView(r *Role) *Role {
	out := *r
	if c, ok := m.classes[r.ClassID]; ok {
		out.ClassName = c.Name
		out.ClassEnabled = c.Enabled
	}
	return &out
}

func (m *MemDB) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.roles[roleID]; ok {
		return m.roleView(r), nil
	}
	return nil, nil
}

func (m *MemDB) GetUserClassRole(ctx context.Context, userID, classID int64) (*Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.roleIndex[memRoleKey{userID: userID, classID: classID}]; ok {
		return m.roleView(m.roles[id]), nil
	}
	return nil, nil
}

func (m *MemDB) FindOrCreateRole(ctx context.Context, userID, classID int64, role RoleKind) (*Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !validRoleKind(role) {
		return nil, false, fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, false, fmt.Errorf("%w: user %d does not exist", ErrInvalid, userID)
	}
	if _, ok := m.classes[classID]; !ok {
		return nil, false, fmt.Errorf("%w: class %d does not exist", ErrInvalid, classID)
	}
	key := memRoleKey{userID: userID, classID: classID}
	if id, ok := m.roleIndex[key]; ok {
		return m.roleView(m.roles[id]), false, nil
	}
	r := &Role{ID: m.nextID(), UserID: userID, ClassID: classID, Role: role, Active: true}
	m.roles[r.ID] = r
	m.roleIndex[key] = r.ID
	return m.roleView(r), true, nil
}

func (m *MemDB) classRole(roleID, classID int64) (*Role, error) {
	r, ok := m.roles[roleID]
	if !ok || r.ClassID != classID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MemDB) SetRoleActive(ctx context.Context, roleID, classID int64, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.classRole(roleID, classID)
	if err != nil {
		return err
	}
	r.Active = active
	return nil
}

func (m *MemDB) SetRoleKind(ctx context.Context, roleID, classID int64, role RoleKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validRoleKind(role) {
		return fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.classRole(roleID, classID)
	if err != nil {
		return err
	}
	r.Role = role
	return nil
}

func (m *MemDB) ReadView(ctx context.Context, view View) (*ViewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("views are not available on the memory store")
}
