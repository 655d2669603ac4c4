// Package services holds the HTTP clients pmx uses to reach remote systems.
//
// # API Client
//
// [APIService] is the generic JSON client. It resolves paths against a base URL, optionally
// throttles through a [rate.Limiter] and maps response codes onto shared sentinels with
// [APIResponse.Err].
//
// # Format Registry
//
// [CatalogClient] implements catalog.Catalog against a registry exposing formats and the
// services accepting them. Every failure other than a missing entry is reported as
// [shared.ErrCatalogUnavailable] so callers can retry.
//
// # Conversion Services
//
// [RESTConverter] implements transform.Converter. Input files are POSTed as multipart/form-data
// to the service endpoint; the response is a single file or a multipart set of files. Calls are
// throttled and may be authenticated with the OAuth2 client credentials flow.
//
// # Error Handling
//
// Services use typed errors from shared package:
//   - [shared.ErrNotFound] : 404 from the remote
//   - [shared.ErrServiceUnavailable] : transport failure, 5xx or 429
//   - [shared.ErrAPIRequest] : any other non-2xx response or an undecodable body
package services
