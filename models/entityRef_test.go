package models_test

import (
	"testing"

	"bitbucket.org/mediflowhq/inventory_agent/models"
)

func TestRefForClassifiesByShape(t *testing.T) {
	pending := models.RefFor(models.NewTempId())
	if !pending.Pending() {
		t.Fatal("temp id must classify as pending")
	}
	if _, ok := pending.ServerId(); ok {
		t.Fatal("pending ref must refuse to yield a server id")
	}

	confirmed := models.RefFor("srv-10")
	if confirmed.Pending() {
		t.Fatal("server id must classify as confirmed")
	}
	if id, ok := confirmed.ServerId(); !ok || id != "srv-10" {
		t.Fatalf("expected srv-10, got %s/%v", id, ok)
	}
}

func TestResolveConfirmsPendingOnly(t *testing.T) {
	tempId := models.NewTempId()
	resolved := models.PendingRef(tempId).Resolve("srv-1")
	if resolved.Pending() || resolved.ClientId() != "srv-1" {
		t.Fatalf("resolve failed: %+v", resolved)
	}

	already := models.ConfirmedRef("srv-2").Resolve("srv-3")
	if already.ClientId() != "srv-2" {
		t.Fatal("resolving a confirmed ref must not change it")
	}
}
