// Package ble abstracts the Bluetooth Low Energy link used to reach
// sensor nodes. The production implementation talks to BlueZ over the
// system D-Bus; tests use the in-memory fake.
package ble
