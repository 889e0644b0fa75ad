// Command gentoken mints HS256 bearer tokens for a registry running with
// LOCAL_AUTH_MODE=hs256.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"todo-registry/config"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "dev-user", "subject prefix when count > 1")
		start  = flag.Int("start", 1, "first subject index when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write the tokens to as a JSON array")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Auth.Secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set")
	}

	subjects, err := subjectsFor(*count, *prefix, *start, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	issuer := ""
	if cfg.Auth.Domain != "" {
		issuer = "https://" + cfg.Auth.Domain + "/"
	}
	tokens, err := mintTokens([]byte(cfg.Auth.Secret), cfg.Auth.Audience, issuer, subjects, *ttl, time.Now())
	if err != nil {
		log.Fatalf("mint tokens: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func subjectsFor(count int, prefix string, start int, args []string) ([]string, error) {
	if count < 1 {
		return nil, errors.New("count must be at least 1")
	}
	if start < 1 {
		return nil, errors.New("start index must be at least 1")
	}
	if len(args) > 0 {
		if count > 1 {
			return nil, errors.New("explicit subject cannot be combined with count > 1")
		}
		return []string{args[0]}, nil
	}
	if count == 1 {
		return []string{prefix}, nil
	}
	subjects := make([]string, count)
	for i := range subjects {
		subjects[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return subjects, nil
}

func mintTokens(secret []byte, audience, issuer string, subjects []string, ttl time.Duration, now time.Time) ([]string, error) {
	tokens := make([]string, len(subjects))
	for i, sub := range subjects {
		claims := jwt.MapClaims{
			"sub": sub,
			"iat": now.Unix(),
			"exp": now.Add(ttl).Unix(),
		}
		if audience != "" {
			claims["aud"] = audience
		}
		if issuer != "" {
			claims["iss"] = issuer
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = signed
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
