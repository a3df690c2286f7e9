// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🩺 go-healthvault - Permission-Gated Health Record Store")
	fmt.Println("========================================================")
	fmt.Println()
	fmt.Println("go-healthvault is an embedded storage engine for health and fitness records")
	fmt.Println("with per-category access control, change log tracking, SQL aggregation,")
	fmt.Println("and a resumable backup restore state machine.")
	fmt.Println()

	fmt.Println("📚 Getting Started:")
	fmt.Println()
	fmt.Println("1. 🗄️  Open a SQLite database and wire the engine:")
	fmt.Println("   db, _ := sql.Open(\"sqlite3\", \"file:health.db\")")
	fmt.Println("   svc, _ := healthstore.New(db, oracle, healthstore.Config{}, logger)")
	fmt.Println()

	fmt.Println("2. ✍️  Insert records on behalf of a caller:")
	fmt.Println("   future, _ := svc.InsertRecords(ctx, caller, records)")
	fmt.Println("   uuids, _ := future.Get(ctx)")
	fmt.Println()

	fmt.Println("3. 🔎 Read, aggregate, and follow changes:")
	fmt.Println("   svc.ReadRecords / svc.Aggregate / svc.GetChangeToken + svc.GetChanges")
	fmt.Println()
}
