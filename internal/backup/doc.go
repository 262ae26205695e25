// Package backup writes and restores archives of a store file.
//
// # Archive Format
//
// An archive is a 64 byte header, the store image split into blocks and a
// trailer:
//
//	header   magic "MVBK", format version, creation time, flags, block
//	         size of the store and the name of the source file
//	blocks   (raw length u32, stored length u32, data)*, ended by a
//	         block with both lengths zero; data is snappy encoded when
//	         the compressed flag is set
//	trailer  image length u64, crc32 of the image u32, magic "MVBE"
//
// # Creating Backups
//
//	f, err := os.Create("/backup/app.mvbk")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	stats, err := backup.Create(f, store.FileStore(), backup.Options{Compress: true})
//
// The image is copied while holding the file store read lock, so the
// archive never contains a partially written chunk.
//
// # Restoring Backups
//
//	stats, err := backup.RestoreFile(in, "/var/lib/app.mv")
//
// RestoreFile verifies the checksum before the restored file replaces the
// target path.
package backup
