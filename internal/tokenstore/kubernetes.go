/*
Copyright 2025 Dan Manners.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tokenstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Optional keys read from the token secret alongside the token itself.
const (
	scopeKey  = "scope"
	expiryKey = "expiry"
)

// KubernetesStore reads the registration token from a Secret on every call.
type KubernetesStore struct {
	client    client.Client
	namespace string
	name      string
	key       string
}

// NewKubernetesStore creates a store backed by the Secret namespace/name,
// reading the token from the given key.
func NewKubernetesStore(c client.Client, namespace, name, key string) *KubernetesStore {
	return &KubernetesStore{
		client:    c,
		namespace: namespace,
		name:      name,
		key:       key,
	}
}

// CurrentToken fetches the Secret and extracts the token. A missing secret
// or unreachable apiserver is reported as UnavailableError; a missing key or
// empty value is a misconfiguration and returned as a plain error.
func (s *KubernetesStore) CurrentToken(ctx context.Context) (Token, error) {
	secret := &corev1.Secret{}
	if err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: s.name}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return Token{}, &UnavailableError{
				Reason: fmt.Sprintf("secret %s/%s not found", s.namespace, s.name),
				Err:    err,
			}
		}
		return Token{}, &UnavailableError{
			Reason: fmt.Sprintf("failed to get secret %s/%s", s.namespace, s.name),
			Err:    err,
		}
	}

	value, ok := secret.Data[s.key]
	if !ok {
		return Token{}, fmt.Errorf("key %s not found in secret %s/%s", s.key, s.namespace, s.name)
	}
	if len(value) == 0 {
		return Token{}, fmt.Errorf("token key %s in secret %s/%s is empty", s.key, s.namespace, s.name)
	}

	token := Token{Value: string(value)}
	if scope, ok := secret.Data[scopeKey]; ok {
		token.Scope = string(scope)
	}
	if raw, ok := secret.Data[expiryKey]; ok {
		expiry, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
		if err != nil {
			return Token{}, fmt.Errorf("invalid expiry in secret %s/%s: %w", s.namespace, s.name, err)
		}
		token.Expiry = &expiry
	}

	return token, nil
}
