package hades_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/plugins"
)

func registries(t *testing.T) map[string]hades.Registry {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]hades.Registry{
		"memory": hades.NewMemoryRegistry(),
		"redis":  hades.NewRedisRegistryFromClient(client),
	}
}

func TestRegistry_UpsertGetList(t *testing.T) {
	for name, registry := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			m := &plugins.Manifest{
				APIVersion: "v1",
				Kind:       plugins.ManifestKind,
				Metadata:   plugins.ManifestMetadata{Name: "seo", Version: "1.2.0"},
				Spec: plugins.ManifestSpec{
					Permissions: plugins.Permissions{Entities: []string{"read:*"}},
				},
			}
			if err := registry.Upsert(ctx, hades.RecordFromManifest(m)); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}
			if err := registry.Upsert(ctx, hades.PluginRecord{ID: "analytics"}); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}

			rec, err := registry.Get(ctx, "seo")
			if err != nil {
				t.Fatalf("Failed to get plugin: %v", err)
			}
			if !rec.Active() {
				t.Errorf("Expected active plugin, got %s", rec.Status)
			}
			if rec.Manifest == nil || len(rec.Manifest.Spec.Permissions.Entities) != 1 {
				t.Errorf("Expected manifest to round-trip, got %+v", rec.Manifest)
			}

			list, err := registry.List(ctx)
			if err != nil {
				t.Fatalf("Failed to list: %v", err)
			}
			if len(list) != 2 || list[0].ID != "analytics" || list[1].ID != "seo" {
				t.Errorf("Unexpected list: %+v", list)
			}

			if err := registry.Upsert(ctx, hades.PluginRecord{}); err == nil {
				t.Error("Expected error for record without id")
			}
		})
	}
}

func TestRegistry_SetStatus(t *testing.T) {
	for name, registry := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := registry.Upsert(ctx, hades.PluginRecord{ID: "seo"}); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}
			if err := registry.SetStatus(ctx, "seo", domain.PluginStatusInactive, "too many violations"); err != nil {
				t.Fatalf("Failed to set status: %v", err)
			}

			rec, err := registry.Get(ctx, "seo")
			if err != nil {
				t.Fatalf("Failed to get plugin: %v", err)
			}
			if rec.Status != domain.PluginStatusInactive {
				t.Errorf("Expected INACTIVE, got %s", rec.Status)
			}
			if rec.StatusReason != "too many violations" {
				t.Errorf("Expected reason to be recorded, got %q", rec.StatusReason)
			}

			err = registry.SetStatus(ctx, "ghost", domain.PluginStatusInactive, "")
			if !errors.Is(err, hades.ErrPluginNotFound) {
				t.Errorf("Expected ErrPluginNotFound, got %v", err)
			}
			if _, err := registry.Get(ctx, "ghost"); !errors.Is(err, hades.ErrPluginNotFound) {
				t.Errorf("Expected ErrPluginNotFound, got %v", err)
			}
		})
	}
}
