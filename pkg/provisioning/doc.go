// Package provisioning declares webhook endpoints and exclusion filters in a
// YAML file and keeps the running manager in sync with it.
//
// Example file:
//
//	endpoints:
//	  - name: compliance-feed
//	    url: https://hooks.example.com/compliance
//	    secret: ${COMPLIANCE_HOOK_SECRET}
//	    events: [compliance.violation.detected, regulatory.update.published]
//	    timeout: 10s
//	    retry_policy:
//	      max_attempts: 5
//	      initial_delay: 2s
//	filters:
//	  - name: ignore drafts
//	    event_types: [document.uploaded]
//	    conditions:
//	      - {field: status, operator: equals, value: draft}
//
// Endpoints are matched by name, so a declared name adopts an existing
// endpoint of the same name, which is how provisioned endpoints restored from
// storage are picked up again after a restart. An endpoint removed from the
// file is deleted only if this process provisioned it. Endpoints with names the
// file never declares are not modified.
package provisioning
