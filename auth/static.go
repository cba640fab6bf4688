package auth

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"

	"gopkg.in/yaml.v3"
)

// StaticClient authenticates against a fixed user table.
type StaticClient struct {
	byToken map[string]*User
	users   []*User
}

var _ Client = (*StaticClient)(nil)

type usersFile struct {
	Users []*User `yaml:"users"`
}

// LoadUsers reads the user table from a YAML file:
//
//	users:
//	  - {id: a1, name: Alice, role: admin, token: secret-a1}
func LoadUsers(name string) ([]*User, error) {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read users file `%s`: %v", name, err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file `%s`: %v", name, err)
	}
	return f.Users, nil
}

func NewStaticClient(users []*User) (*StaticClient, error) {
	c := &StaticClient{byToken: make(map[string]*User)}
	ids := make(map[string]bool)
	for i, u := range users {
		if u == nil || u.Id == "" || u.Token == "" {
			return nil, fmt.Errorf("user #%d: id and token are required", i)
		}
		switch u.Role {
		case RoleAdmin, RoleAdvertiser, RoleUser:
		case "":
			u.Role = RoleUser
		default:
			return nil, fmt.Errorf("user `%s`: unknown role `%s`", u.Id, u.Role)
		}
		if ids[u.Id] {
			return nil, fmt.Errorf("user `%s`: duplicated id", u.Id)
		}
		if _, ok := c.byToken[u.Token]; ok {
			return nil, fmt.Errorf("user `%s`: duplicated token", u.Id)
		}
		ids[u.Id] = true
		c.byToken[u.Token] = u
		c.users = append(c.users, u)
	}
	sort.Slice(c.users, func(i, j int) bool { return c.users[i].Id < c.users[j].Id })
	return c, nil
}

func (c *StaticClient) Auth(r *http.Request) (*User, error) {
	token := RequestToken(r)
	if token == "" {
		return nil, ErrNoToken
	}
	u, ok := c.byToken[token]
	if !ok {
		return nil, ErrBadToken
	}
	return u, nil
}

func (c *StaticClient) Users() []*User {
	return c.users
}
