// Package credentials 管理校验接口使用的 consumer key / consumer secret
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"site-license-manager/internal/database"
)

const (
	SettingConsumerKey    = "consumer_key"
	SettingConsumerSecret = "consumer_secret"

	KeyPrefix    = "ck_"
	SecretPrefix = "cs_"

	randomBytes = 20
)

// Credentials consumer key / secret 对
type Credentials struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

// Complete 两个值都已生成
func (c Credentials) Complete() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != ""
}

// Store 基于配置存储的凭证读取与轮换，不依赖日志
type Store struct {
	settings database.SettingsStore
	random   io.Reader
}

func NewStore(settings database.SettingsStore) *Store {
	return &Store{settings: settings, random: rand.Reader}
}

// WithRandom 替换随机源，测试使用
func (s *Store) WithRandom(r io.Reader) *Store {
	s.random = r
	return s
}

func (s *Store) Get(ctx context.Context) (Credentials, error) {
	key, err := s.settings.Get(ctx, SettingConsumerKey)
	if err != nil {
		return Credentials{}, err
	}
	secret, err := s.settings.Get(ctx, SettingConsumerSecret)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{ConsumerKey: key, ConsumerSecret: secret}, nil
}

func (s *Store) RotateConsumerKey(ctx context.Context) (string, error) {
	return s.rotate(ctx, SettingConsumerKey, KeyPrefix)
}

func (s *Store) RotateConsumerSecret(ctx context.Context) (string, error) {
	return s.rotate(ctx, SettingConsumerSecret, SecretPrefix)
}

// Ensure 生成缺失的凭证，已有的值保持不变；返回是否有新生成的值
func (s *Store) Ensure(ctx context.Context) (bool, error) {
	creds, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	generated := false
	if creds.ConsumerKey == "" {
		if _, err := s.RotateConsumerKey(ctx); err != nil {
			return false, err
		}
		generated = true
	}
	if creds.ConsumerSecret == "" {
		if _, err := s.RotateConsumerSecret(ctx); err != nil {
			return false, err
		}
		generated = true
	}
	return generated, nil
}

func (s *Store) rotate(ctx context.Context, name, prefix string) (string, error) {
	value, err := s.generate(prefix)
	if err != nil {
		return "", err
	}
	if err := s.settings.Set(ctx, name, value); err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) generate(prefix string) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// Mask 只保留前缀和末尾 4 位，用于审计日志
func Mask(value string) string {
	if len(value) <= len(KeyPrefix)+4 {
		return value
	}
	return value[:len(KeyPrefix)] + "..." + value[len(value)-4:]
}
