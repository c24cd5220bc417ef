// Package webhook posts signed completion notifications to external
// receivers when a session reaches a terminal status.
//
// Each delivery is a JSON body signed with HMAC-SHA256 over the raw bytes
// using the endpoint's pre-shared secret. The signature travels in the
// endpoint's signature header as "sha256=<hex>":
//
//	notify:
//	  timeout: 10s
//	  attempts: 3
//	  endpoints:
//	    - url: https://lab.example.org/hooks/qsm
//	      secret: ${QSM_HOOK_SECRET}
//	      signature_header: X-QSMGW-Signature-256
//	      statuses: [done, error]
//
// Receivers check a request with Verify. Delivery is asynchronous: the
// notifier never blocks the session registry, and a full queue drops the
// notification with a warning.
package webhook
