package ratio

import "github.com/joelkehle/ratio-decidendi/internal/busclient"

type InboxEvent = busclient.InboxEvent
type Client = busclient.Client
type Attachment = busclient.Attachment

var NewClient = busclient.NewClient
