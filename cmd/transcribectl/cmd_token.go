package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// tokenClaims 与服务端校验的 claims 结构一致
type tokenClaims struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// issueToken 用 HS256 共享密钥签发令牌；ttl 为 0 时不过期
func issueToken(secret []byte, user string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required (--secret or TRANSCRIBE_JWT_SECRET)")
	}
	claims := tokenClaims{
		Username:         user,
		Scopes:           scopes,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), Subject: user},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func newTokenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "token",
		Short: "用服务端 JWT 密钥签发访问令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("TRANSCRIBE_JWT_SECRET")
			}
			user, _ := cmd.Flags().GetString("user")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := issueToken([]byte(secret), user, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	c.Flags().String("secret", "", "JWT 密钥 (env: TRANSCRIBE_JWT_SECRET)")
	c.Flags().String("user", "admin", "令牌中的用户名")
	c.Flags().StringSlice("scope", []string{"jobs.read", "jobs.write"}, "授予的作用域")
	c.Flags().Duration("ttl", 24*time.Hour, "有效期，0 表示不过期")
	return c
}
