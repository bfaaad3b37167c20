// Connection handling
//
// Each accepted connection gets its own goroutine. A single Read is one data
// event; events on a connection are handled one after another, so alerts from
// one connection are persisted in arrival order. Across connections and
// devices there is no ordering.
//
// For a structured alarm the acknowledgment is written back before the alert
// is persisted, so a slow or failing store never delays the device. Ack and
// persistence failures are logged and counted; neither closes the connection.
//
// Listener lifetime is independent of the context passed to Start. Only
// Registry.Stop, Registry.Restart and Registry.StopAll end a listener.
package tcp
