// Package chat is the client side of eduloom private chat.
//
// A Session binds a local participant to one remote participant at a time,
// joins their shared room over a Transport and keeps the room history in a
// Store. Sends are echoed locally as pending messages and reconciled by
// correlation id once the server broadcasts the stored copy.
package chat
